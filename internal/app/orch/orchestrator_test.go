package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/streamview/internal/app"
	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu      sync.Mutex
	sent    []core.Message
	sendErr error

	onMessage func(core.Message)
	onBinary  func(core.Frame)
	onOpen    func()
	onClose   func(error)
	onError   func(error)

	closed bool
}

func (l *fakeLink) Send(m core.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, m)
	return nil
}

func (l *fakeLink) OnMessage(fn func(core.Message)) { l.onMessage = fn }
func (l *fakeLink) OnBinary(fn func(core.Frame))    { l.onBinary = fn }
func (l *fakeLink) OnOpen(fn func())                { l.onOpen = fn }
func (l *fakeLink) OnClose(fn func(error))          { l.onClose = fn }
func (l *fakeLink) OnError(fn func(error))          { l.onError = fn }

func (l *fakeLink) Start(context.Context) {
	if l.onOpen != nil {
		l.onOpen()
	}
}

func (l *fakeLink) Close() { l.remoteClose(nil) }

// remoteClose fires OnClose once; re-entrant calls from the handler are no-ops.
func (l *fakeLink) remoteClose(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	fn := l.onClose
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (l *fakeLink) deliver(t *testing.T, raw string) {
	t.Helper()
	var m core.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	l.onMessage(m)
}

func (l *fakeLink) sentOf(typ core.MessageType) []core.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.Message
	for _, m := range l.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeMedia struct {
	key        domain.SessionKey
	failRemote bool

	mu         sync.Mutex
	remote     []webrtc.SessionDescription
	candidates []string
	recvOnly   []webrtc.RTPCodecType
	closed     bool
	onICE      func(webrtc.ICEConnectionState)
}

func (m *fakeMedia) Start(context.Context) error { return nil }

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + m.key.String()}, nil
}

func (m *fakeMedia) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + m.key.String()}, nil
}

func (m *fakeMedia) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (m *fakeMedia) SetRemoteDescription(d webrtc.SessionDescription) error {
	if m.failRemote {
		return errors.New("malformed sdp")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = append(m.remote, d)
	return nil
}

func (m *fakeMedia) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c.Candidate)
	return nil
}

func (m *fakeMedia) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }

func (m *fakeMedia) AddRecvOnly(kind webrtc.RTPCodecType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvOnly = append(m.recvOnly, kind)
	return nil
}

func (m *fakeMedia) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (m *fakeMedia) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onICE = fn
}

func (m *fakeMedia) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (m *fakeMedia) fireICE(st webrtc.ICEConnectionState) {
	m.mu.Lock()
	fn := m.onICE
	m.mu.Unlock()
	fn(st)
}

func (m *fakeMedia) appliedCandidates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.candidates...)
}

type fakeFactory struct {
	mu         sync.Mutex
	conns      map[domain.SessionKey]*fakeMedia
	failRemote map[domain.PeerID]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		conns:      make(map[domain.SessionKey]*fakeMedia),
		failRemote: make(map[domain.PeerID]bool),
	}
}

func (f *fakeFactory) New(key domain.SessionKey) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &fakeMedia{key: key, failRemote: f.failRemote[key.Peer]}
	f.conns[key] = m
	return m, nil
}

func (f *fakeFactory) get(key domain.SessionKey) *fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[key]
}

type harness struct {
	orch   *Orchestrator
	link   *fakeLink
	media  *fakeFactory
	closed <-chan error
	evMu   sync.Mutex
	events []Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{link: &fakeLink{}, media: newFakeFactory()}
	h.orch = New(opts, h.media.New)
	h.orch.OnEvent(func(ev Event) {
		h.evMu.Lock()
		h.events = append(h.events, ev)
		h.evMu.Unlock()
	})
	h.closed = h.orch.Attach(context.Background(), h.link)
	h.link.Start(context.Background())
	t.Cleanup(h.orch.Close)
	return h
}

func viewerOptions() Options {
	opts := DefaultOptions()
	opts.PingPeriod = 0
	return opts
}

func (h *harness) eventsOf(kind EventKind) []Event {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestAttach_RequestsCatalog(t *testing.T) {
	h := newHarness(t, viewerOptions())
	assert.Len(t, h.link.sentOf(core.TypeListChannels), 1)
}

func TestSubscribe_AtMostOneSessionPerChannel(t *testing.T) {
	h := newHarness(t, viewerOptions())

	require.NoError(t, h.orch.Subscribe("A"))
	require.NoError(t, h.orch.Subscribe("A"))

	assert.Equal(t, 1, h.orch.Registry.Len())
	subs := h.link.sentOf(core.TypeViewerSubscribe)
	require.Len(t, subs, 1)
	assert.Equal(t, domain.ChannelID("A"), subs[0].ChannelID)

	s, ok := h.orch.Registry.Get(domain.ViewerKey("A"))
	require.True(t, ok)
	assert.Equal(t, core.StateAwaitingOffer, s.State())
}

func TestSubscribe_StreamDialect(t *testing.T) {
	opts := viewerOptions()
	opts.Dialect = core.DialectStream
	h := newHarness(t, opts)

	require.NoError(t, h.orch.Subscribe("A"))
	joins := h.link.sentOf(core.TypeJoinStream)
	require.Len(t, joins, 1)
	assert.Equal(t, domain.ChannelID("A"), joins[0].StreamID)
	assert.Len(t, h.link.sentOf(core.TypeListStreams), 1)
}

func TestUnsubscribe_SendsLeaveOnce(t *testing.T) {
	h := newHarness(t, viewerOptions())

	require.NoError(t, h.orch.Unsubscribe("A"))
	assert.Empty(t, h.link.sentOf(core.TypeViewerUnsubscribe))

	require.NoError(t, h.orch.Subscribe("A"))
	require.NoError(t, h.orch.Unsubscribe("A"))
	require.NoError(t, h.orch.Unsubscribe("A"))

	assert.Len(t, h.link.sentOf(core.TypeViewerUnsubscribe), 1)
	assert.Zero(t, h.orch.Registry.Len())
	assert.Len(t, h.eventsOf(EventUnsubscribed), 1)
}

func TestSubscribe_CapOfFour(t *testing.T) {
	h := newHarness(t, viewerOptions())

	for _, ch := range []domain.ChannelID{"A", "B", "C", "D"} {
		require.NoError(t, h.orch.Subscribe(ch))
	}
	err := h.orch.Subscribe("E")
	assert.ErrorIs(t, err, core.ErrSubscriptionLimit)
	assert.Equal(t, 4, h.orch.Registry.Len())

	require.NoError(t, h.orch.Unsubscribe("B"))
	assert.NoError(t, h.orch.Subscribe("E"))
}

func TestSubscribe_WithoutLink(t *testing.T) {
	o := New(viewerOptions(), newFakeFactory().New)
	defer o.Close()
	assert.ErrorIs(t, o.Subscribe("A"), core.ErrNoLink)
}

func TestViewer_AnswersOfferAndFlushesCandidates(t *testing.T) {
	h := newHarness(t, viewerOptions())
	h.link.deliver(t, `{"type":"channels-list","channels":["A"]}`)
	require.NoError(t, h.orch.Subscribe("A"))
	h.link.deliver(t, `{"type":"subscribe-ack","channelId":"A","broadcasterId":"b1"}`)

	h.link.deliver(t, `{"type":"candidate","senderId":"b1","channelId":"A","candidate":{"candidate":"c1"}}`)
	s, ok := h.orch.Registry.Get(domain.ViewerKey("A"))
	require.True(t, ok)
	assert.Equal(t, 1, s.PendingCandidates())

	h.link.deliver(t, `{"type":"offer","senderId":"b1","channelId":"A","sdp":"remote-offer"}`)
	h.orch.Wait()

	answers := h.link.sentOf(core.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.PeerID("b1"), answers[0].TargetID)
	assert.Equal(t, core.SDP("answer:A"), answers[0].SDP)
	assert.Equal(t, core.StateAnswerSent, s.State())

	h.link.deliver(t, `{"type":"candidate","senderId":"b1","candidate":{"candidate":"c2"}}`)
	m := h.media.get(domain.ViewerKey("A"))
	require.NotNil(t, m)
	assert.Equal(t, []string{"c1", "c2"}, m.appliedCandidates())

	m.fireICE(webrtc.ICEConnectionStateConnected)
	assert.Equal(t, core.StateConnected, s.State())
	assert.NotEmpty(t, h.eventsOf(EventSubscribed))
}

func TestViewer_ICELossMarksChannelInactive(t *testing.T) {
	for _, st := range []webrtc.ICEConnectionState{webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected} {
		t.Run(st.String(), func(t *testing.T) {
			h := newHarness(t, viewerOptions())
			h.link.deliver(t, `{"type":"channels-list","channels":["A"]}`)
			require.NoError(t, h.orch.Subscribe("A"))
			h.link.deliver(t, `{"type":"subscribe-ack","channelId":"A","broadcasterId":"b1"}`)
			h.link.deliver(t, `{"type":"offer","senderId":"b1","channelId":"A","sdp":"remote-offer"}`)
			h.orch.Wait()

			s, ok := h.orch.Registry.Get(domain.ViewerKey("A"))
			require.True(t, ok)
			h.media.get(domain.ViewerKey("A")).fireICE(st)
			h.orch.Wait()

			assert.Error(t, s.Err())
			var failed []domain.ChannelID
			for _, ev := range h.eventsOf(EventSessionState) {
				if ev.State == core.StateFailed {
					failed = append(failed, ev.Channel)
				}
			}
			assert.Equal(t, []domain.ChannelID{"A"}, failed)

			_, ok = h.orch.Registry.Get(domain.ViewerKey("A"))
			assert.False(t, ok)
			ch, ok := h.orch.Directory.Get("A")
			require.True(t, ok)
			assert.False(t, ch.Active)
		})
	}
}

func TestViewer_SubscribeAfterFailureOpensFreshSession(t *testing.T) {
	h := newHarness(t, viewerOptions())
	require.NoError(t, h.orch.Subscribe("A"))
	old, ok := h.orch.Registry.Get(domain.ViewerKey("A"))
	require.True(t, ok)

	_ = old.Fail(errors.New("ice failed"))
	require.NoError(t, h.orch.Subscribe("A"))
	h.orch.Wait()

	fresh, ok := h.orch.Registry.Live(domain.ViewerKey("A"))
	require.True(t, ok)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, core.StateAwaitingOffer, fresh.State())
	assert.Equal(t, 1, h.orch.Registry.Len())
	assert.Len(t, h.link.sentOf(core.TypeViewerSubscribe), 2)
}

func TestAutoJoin_FailedSessionFreesSlot(t *testing.T) {
	opts := viewerOptions()
	opts.Policy = app.NewJoinPolicy(app.JoinSubscribeAll, nil, 4)
	h := newHarness(t, opts)

	h.link.deliver(t, `{"type":"channels-list","channels":["A","B","C","D","E"]}`)
	require.Len(t, h.link.sentOf(core.TypeViewerSubscribe), 4)

	s, ok := h.orch.Registry.Get(domain.ViewerKey("A"))
	require.True(t, ok)
	_ = s.Fail(errors.New("ice failed"))
	h.orch.Wait()

	subs := h.link.sentOf(core.TypeViewerSubscribe)
	require.Len(t, subs, 5)
	assert.Equal(t, domain.ChannelID("E"), subs[4].ChannelID)
	_, ok = h.orch.Registry.Live(domain.ViewerKey("E"))
	assert.True(t, ok)
	a, ok := h.orch.Directory.Get("A")
	require.True(t, ok)
	assert.False(t, a.Active)
}

func TestViewer_OffersWhenConfigured(t *testing.T) {
	opts := viewerOptions()
	opts.ViewerOffers = true
	h := newHarness(t, opts)

	require.NoError(t, h.orch.Subscribe("A"))
	h.link.deliver(t, `{"type":"subscribe-ack","channelId":"A","broadcasterId":"b1"}`)
	h.orch.Wait()

	offers := h.link.sentOf(core.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.PeerID("b1"), offers[0].TargetID)
	assert.Equal(t, domain.ChannelID("A"), offers[0].ChannelID)

	m := h.media.get(domain.ViewerKey("A"))
	require.NotNil(t, m)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio}, m.recvOnly)

	h.link.deliver(t, `{"type":"answer","senderId":"b1","channelId":"A","sdp":"remote-answer"}`)
	h.orch.Wait()
	s, ok := h.orch.Registry.Get(domain.ViewerKey("A"))
	require.True(t, ok)
	assert.Equal(t, core.StateConnected, s.State())
}

func TestBroadcaster_FanOutIsolation(t *testing.T) {
	opts := viewerOptions()
	opts.Role = RoleBroadcaster
	h := newHarness(t, opts)
	h.media.failRemote["v2"] = true

	_, err := h.orch.Publish(context.Background(), "S", LocalMedia{})
	require.NoError(t, err)

	for _, v := range []string{"v1", "v2", "v3"} {
		h.link.deliver(t, fmt.Sprintf(`{"type":"viewer-joined","viewerId":%q,"streamId":"S"}`, v))
	}
	h.orch.Wait()
	require.Len(t, h.link.sentOf(core.TypeOffer), 3)

	for _, v := range []string{"v1", "v2", "v3"} {
		h.link.deliver(t, fmt.Sprintf(`{"type":"answer","senderId":%q,"streamId":"S","sdp":"answer-%s"}`, v, v))
	}
	h.orch.Wait()

	for _, v := range []domain.PeerID{"v1", "v3"} {
		s, ok := h.orch.Registry.Get(domain.PublisherKey(v, "S"))
		require.True(t, ok, v)
		assert.Equal(t, core.StateConnected, s.State(), v)
	}
	_, ok := h.orch.Registry.Get(domain.PublisherKey("v2", "S"))
	assert.False(t, ok)

	var failed []domain.PeerID
	for _, ev := range h.eventsOf(EventSessionState) {
		if ev.State == core.StateFailed {
			failed = append(failed, ev.Peer)
		}
	}
	assert.Equal(t, []domain.PeerID{"v2"}, failed)
}

func TestBroadcaster_RejoinAfterFailureOffersAgain(t *testing.T) {
	opts := viewerOptions()
	opts.Role = RoleBroadcaster
	h := newHarness(t, opts)

	_, err := h.orch.Publish(context.Background(), "S", LocalMedia{})
	require.NoError(t, err)
	h.link.deliver(t, `{"type":"viewer-joined","viewerId":"v1","streamId":"S"}`)
	h.orch.Wait()
	require.Len(t, h.link.sentOf(core.TypeOffer), 1)

	old, ok := h.orch.Registry.Get(domain.PublisherKey("v1", "S"))
	require.True(t, ok)
	_ = old.Fail(errors.New("ice failed"))

	h.link.deliver(t, `{"type":"viewer-joined","viewerId":"v1","streamId":"S"}`)
	h.orch.Wait()

	offers := h.link.sentOf(core.TypeOffer)
	require.Len(t, offers, 2)
	assert.Equal(t, domain.PeerID("v1"), offers[1].TargetID)
	fresh, ok := h.orch.Registry.Live(domain.PublisherKey("v1", "S"))
	require.True(t, ok)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, core.StateOfferSent, fresh.State())
}

func TestBroadcaster_ViewerLeftAndUnpublish(t *testing.T) {
	opts := viewerOptions()
	opts.Role = RoleBroadcaster
	h := newHarness(t, opts)

	_, err := h.orch.Publish(context.Background(), "S", LocalMedia{})
	require.NoError(t, err)
	h.link.deliver(t, `{"type":"viewer-joined","viewerId":"v1","streamId":"S"}`)
	h.link.deliver(t, `{"type":"viewer-joined","viewerId":"v2","streamId":"S"}`)
	h.orch.Wait()
	require.Equal(t, 2, h.orch.Registry.Len())

	h.link.deliver(t, `{"type":"viewer-left","viewerId":"v1","streamId":"S"}`)
	assert.Equal(t, 1, h.orch.Registry.Len())

	require.NoError(t, h.orch.Unpublish("S"))
	require.NoError(t, h.orch.Unpublish("S"))
	assert.Zero(t, h.orch.Registry.Len())
	assert.Len(t, h.link.sentOf(core.TypeLeaveStream), 1)
}

func TestBroadcaster_PublishCreatesStream(t *testing.T) {
	opts := viewerOptions()
	opts.Role = RoleBroadcaster
	h := newHarness(t, opts)

	type result struct {
		id  domain.ChannelID
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := h.orch.Publish(context.Background(), "", LocalMedia{Metadata: map[string]any{"name": "cam"}})
		done <- result{id, err}
	}()

	require.Eventually(t, func() bool { return len(h.link.sentOf(core.TypeCreateStream)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "cam", h.link.sentOf(core.TypeCreateStream)[0].Metadata["name"])
	h.link.deliver(t, `{"type":"stream-created","streamId":"S1"}`)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, domain.ChannelID("S1"), r.id)
	case <-time.After(time.Second):
		t.Fatal("publish did not return")
	}
	assert.Equal(t, []domain.ChannelID{"S1"}, h.orch.Published())
}

func TestCatalog_ConsistentWithMessages(t *testing.T) {
	h := newHarness(t, viewerOptions())

	h.link.deliver(t, `{"type":"channels-list","channels":["A",{"id":"B","viewerCount":2}]}`)
	h.link.deliver(t, `{"type":"channel-added","channelId":"C"}`)
	assert.Equal(t, []domain.ChannelID{"A", "B", "C"}, ids(h.orch.Channels()))

	h.link.deliver(t, `{"type":"stream-removed","streamId":"B"}`)
	assert.Equal(t, []domain.ChannelID{"A", "C"}, ids(h.orch.Channels()))

	h.link.deliver(t, `{"type":"viewer-count","channelId":"A","viewerCount":7}`)
	a, ok := h.orch.Directory.Get("A")
	require.True(t, ok)
	assert.Equal(t, 7, a.ViewerCount)

	h.link.deliver(t, `{"type":"unity-disconnected"}`)
	assert.Empty(t, h.orch.Channels())
}

func TestCatalog_RemovalClosesSubscription(t *testing.T) {
	h := newHarness(t, viewerOptions())
	h.link.deliver(t, `{"type":"channels-list","channels":["A"]}`)
	require.NoError(t, h.orch.Subscribe("A"))

	h.link.deliver(t, `{"type":"channel-removed","channelId":"A"}`)
	assert.Zero(t, h.orch.Registry.Len())
}

func TestAutoJoin_SubscribeAllRespectsCap(t *testing.T) {
	opts := viewerOptions()
	opts.Policy = app.NewJoinPolicy(app.JoinSubscribeAll, nil, 4)
	h := newHarness(t, opts)

	h.link.deliver(t, `{"type":"channels-list","channels":["A","B","C","D","E"]}`)

	var joined []domain.ChannelID
	for _, m := range h.link.sentOf(core.TypeViewerSubscribe) {
		joined = append(joined, m.ChannelID)
	}
	assert.Equal(t, []domain.ChannelID{"A", "B", "C", "D"}, joined)
	rejected := h.eventsOf(EventPolicyRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, domain.ChannelID("E"), rejected[0].Channel)

	require.NoError(t, h.orch.Unsubscribe("B"))
	subs := h.link.sentOf(core.TypeViewerSubscribe)
	require.Len(t, subs, 5)
	assert.Equal(t, domain.ChannelID("E"), subs[4].ChannelID)
	_, ok := h.orch.Registry.Get(domain.ViewerKey("B"))
	assert.False(t, ok)
}

func TestAutoJoin_ExplicitList(t *testing.T) {
	opts := viewerOptions()
	opts.Policy = app.NewJoinPolicy(app.JoinExplicit, []domain.ChannelID{"B"}, 4)
	h := newHarness(t, opts)

	h.link.deliver(t, `{"type":"channels-list","channels":["A","B"]}`)
	subs := h.link.sentOf(core.TypeViewerSubscribe)
	require.Len(t, subs, 1)
	assert.Equal(t, domain.ChannelID("B"), subs[0].ChannelID)
}

func TestSubscribeError_RemovesOldestPending(t *testing.T) {
	h := newHarness(t, viewerOptions())
	require.NoError(t, h.orch.Subscribe("A"))
	require.NoError(t, h.orch.Subscribe("B"))

	h.link.deliver(t, `{"type":"subscribe-error","error":"no such channel"}`)

	_, ok := h.orch.Registry.Get(domain.ViewerKey("A"))
	assert.False(t, ok)
	_, ok = h.orch.Registry.Get(domain.ViewerKey("B"))
	assert.True(t, ok)

	errs := h.eventsOf(EventSubscribeError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.ChannelID("A"), errs[0].Channel)
	assert.EqualError(t, errs[0].Err, "no such channel")
}

func TestFrames_RoutedByMetadata(t *testing.T) {
	h := newHarness(t, viewerOptions())

	h.link.deliver(t, `{"type":"frame-metadata","channelId":"A"}`)
	h.link.onBinary(core.Frame("X"))
	h.link.deliver(t, `{"type":"frame-metadata","streamId":"B"}`)
	h.link.onBinary(core.Frame("Y"))
	h.link.onBinary(core.Frame("Z"))

	a, ok := h.orch.Bus.Latest("A")
	require.True(t, ok)
	assert.Equal(t, []byte("X"), a.Data)
	b, ok := h.orch.Bus.Latest("B")
	require.True(t, ok)
	assert.Equal(t, []byte("Y"), b.Data)

	stats := h.orch.Frames()
	assert.Equal(t, uint64(1), stats.Unannounced)
	assert.Equal(t, uint64(1), stats.Channels["A"].Routed)
}

func TestWelcome_SetsIdentityAndCatalog(t *testing.T) {
	h := newHarness(t, viewerOptions())

	h.link.deliver(t, `{"type":"welcome","clientId":"c-1","availableStreams":["A","B"]}`)

	id, ok := h.orch.Identity()
	require.True(t, ok)
	assert.Equal(t, domain.ClientID("c-1"), id.ID)
	assert.Equal(t, 2, h.orch.Directory.Len())
	assert.Len(t, h.eventsOf(EventIdentity), 1)
}

func TestKeepalive_PingPong(t *testing.T) {
	h := newHarness(t, viewerOptions())

	h.link.deliver(t, `{"type":"ping","timestamp":123}`)
	pongs := h.link.sentOf(core.TypePong)
	require.Len(t, pongs, 1)
	assert.Equal(t, int64(123), pongs[0].Timestamp)

	sent := time.Now().Add(-50 * time.Millisecond).UnixMilli()
	h.link.deliver(t, fmt.Sprintf(`{"type":"pong","timestamp":%d}`, sent))
	assert.GreaterOrEqual(t, h.orch.RTT(), 50*time.Millisecond)
}

func TestDispatch_DropsInvalidMessages(t *testing.T) {
	h := newHarness(t, viewerOptions())
	require.NoError(t, h.orch.Subscribe("A"))

	h.link.deliver(t, `{"type":"offer","senderId":"b1","channelId":"A"}`)
	h.link.deliver(t, `{"type":"candidate","senderId":"b1","channelId":"A"}`)
	h.orch.Wait()

	s, ok := h.orch.Registry.Get(domain.ViewerKey("A"))
	require.True(t, ok)
	assert.Equal(t, core.StateAwaitingOffer, s.State())
	assert.Empty(t, h.link.sentOf(core.TypeAnswer))
}

func TestDetach_OnLinkLoss(t *testing.T) {
	h := newHarness(t, viewerOptions())
	h.link.deliver(t, `{"type":"welcome","clientId":"c-1","availableStreams":["A","B"]}`)
	require.NoError(t, h.orch.Subscribe("A"))
	m := h.orch.Registry.Len()
	require.Equal(t, 1, m)

	boom := errors.New("boom")
	h.link.remoteClose(boom)

	select {
	case err := <-h.closed:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("close not reported")
	}
	assert.Zero(t, h.orch.Registry.Len())
	assert.Zero(t, h.orch.Directory.Len())
	_, ok := h.orch.Identity()
	assert.False(t, ok)
	assert.Len(t, h.eventsOf(EventDisconnected), 1)
	assert.ErrorIs(t, h.orch.Subscribe("A"), core.ErrNoLink)
}

func TestEventHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, viewerOptions())
	h.orch.OnEvent(func(Event) { panic("handler bug") })

	require.NotPanics(t, func() { require.NoError(t, h.orch.Subscribe("A")) })
	h.link.deliver(t, `{"type":"subscribe-ack","channelId":"A"}`)
	assert.Len(t, h.eventsOf(EventSubscribed), 1)
}

func ids(list []domain.Channel) []domain.ChannelID {
	out := make([]domain.ChannelID, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}
