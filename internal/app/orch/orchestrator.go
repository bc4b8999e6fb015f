package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/streamview/internal/app"
	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

type Role string

const (
	RoleViewer      Role = "viewer"
	RoleBroadcaster Role = "broadcaster"
)

func (r Role) Valid() bool { return r == RoleViewer || r == RoleBroadcaster }

type Options struct {
	Role            Role
	Dialect         core.Dialect
	Tagging         app.FrameTagging
	StrictFrameSize bool
	Policy          app.JoinPolicy
	ViewerOffers    bool
	RefreshInterval time.Duration
	PingPeriod      time.Duration
	RetryLimit      int
	RetryWindow     time.Duration
}

func DefaultOptions() Options {
	return Options{
		Role:            RoleViewer,
		Dialect:         core.DialectChannel,
		Tagging:         app.TaggingMetadata,
		Policy:          app.NewJoinPolicy(app.JoinNone, nil, 4),
		RefreshInterval: 10 * time.Second,
		PingPeriod:      30 * time.Second,
		RetryLimit:      3,
		RetryWindow:     time.Minute,
	}
}

// LocalMedia is what a broadcaster publishes. Tracks are acquired by the caller.
type LocalMedia struct {
	Tracks   []webrtc.TrackLocal
	Metadata map[string]any
}

// TrackHandler receives remote media. ch is the channel the session serves.
type TrackHandler func(ctx context.Context, ch domain.ChannelID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// Orchestrator is the one entry point for every call site: it keeps the
// registry, directory and frame router consistent with one signaling link.
type Orchestrator struct {
	Registry  *app.SessionRegistry
	Directory *app.ChannelDirectory
	Router    *app.FrameRouter
	Bus       *app.FrameBus
	Limiter   *app.SubscribeLimiter
	Policy    app.JoinPolicy

	opts Options

	mu          sync.Mutex
	link        core.Link
	linkCtx     context.Context
	linkCancel  context.CancelFunc
	closeCh     chan error
	identity    domain.ClientIdentity
	pendingSubs []domain.ChannelID
	creates     []chan domain.ChannelID
	published   map[domain.ChannelID]LocalMedia
	declined    map[domain.ChannelID]struct{}

	subMu sync.Mutex

	hmu           sync.RWMutex
	trackHandlers []TrackHandler
	eventHandlers []func(Event)

	workers conc.WaitGroup
	rtt     atomic.Int64
}

func New(opts Options, media core.MediaFactory) *Orchestrator {
	def := DefaultOptions()
	if !opts.Role.Valid() {
		opts.Role = def.Role
	}
	if opts.Dialect == "" {
		opts.Dialect = def.Dialect
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = def.RefreshInterval
	}

	var routerOpts []app.FrameRouterOption
	if opts.StrictFrameSize {
		routerOpts = append(routerOpts, app.WithStrictFrameSize())
	}
	o := &Orchestrator{
		Directory: app.NewChannelDirectory(),
		Router:    app.NewFrameRouter(opts.Tagging, routerOpts...),
		Bus:       app.NewFrameBus(),
		Limiter:   app.NewSubscribeLimiter(opts.RetryLimit, opts.RetryWindow),
		Policy:    opts.Policy,
		opts:      opts,
		published: make(map[domain.ChannelID]LocalMedia),
		declined:  make(map[domain.ChannelID]struct{}),
	}
	o.Registry = app.NewSessionRegistry(func(key domain.SessionKey, role core.Role) *core.PeerSession {
		return core.NewPeerSession(key, role, media, o.sessionHooks())
	})
	o.Directory.Subscribe(o.onChannelEvent)
	return o
}

func (o *Orchestrator) Options() Options { return o.opts }

// Subscribe joins ch as a viewer. It is a no-op when a session for ch exists.
func (o *Orchestrator) Subscribe(ch domain.ChannelID) error {
	if ch == "" {
		return fmt.Errorf("%w: empty channel", core.ErrInvalidMessage)
	}
	s, err := o.openSubscription(ch)
	if err != nil || s == nil {
		return err
	}
	o.mu.Lock()
	o.pendingSubs = append(without(o.pendingSubs, ch), ch)
	delete(o.declined, ch)
	o.mu.Unlock()

	if err := o.send(o.opts.Dialect.Subscribe(ch)); err != nil {
		o.mu.Lock()
		o.pendingSubs = without(o.pendingSubs, ch)
		o.mu.Unlock()
		o.Registry.Discard(s)
		return fmt.Errorf("subscribe %s: %w", ch, err)
	}
	log.Info().Str("module", "orch").Str("channel", string(ch)).Str("role", s.Role().String()).Msg("subscribe sent")
	return nil
}

// openSubscription creates the viewer session of ch. The cap check and the
// creation happen under one lock so concurrent calls cannot overshoot the cap.
// A nil session with nil error means ch is already subscribed.
func (o *Orchestrator) openSubscription(ch domain.ChannelID) (*core.PeerSession, error) {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	key := domain.ViewerKey(ch)
	if _, ok := o.Registry.Live(key); ok {
		return nil, nil
	}
	if !o.connected() {
		return nil, core.ErrNoLink
	}
	if err := o.Policy.Admit(o.subscriptions()); err != nil {
		return nil, err
	}
	role := core.RoleAnswerer
	if o.opts.ViewerOffers {
		role = core.RoleOfferer
	}
	s, _, err := o.Registry.GetOrCreate(key, role, true)
	return s, err
}

// Unsubscribe closes the viewer session of ch and tells the server once.
// Safe to call when nothing is subscribed. The auto-join policy leaves ch
// alone until it is subscribed explicitly again.
func (o *Orchestrator) Unsubscribe(ch domain.ChannelID) error {
	removed := o.Registry.Remove(domain.ViewerKey(ch))

	o.mu.Lock()
	o.pendingSubs = without(o.pendingSubs, ch)
	o.declined[ch] = struct{}{}
	o.mu.Unlock()

	if !removed {
		return nil
	}
	if err := o.send(o.opts.Dialect.Unsubscribe(ch)); err != nil && !errors.Is(err, core.ErrNoLink) {
		log.Warn().Str("module", "orch").Str("channel", string(ch)).Err(err).Msg("unsubscribe not sent")
	}
	o.emit(Event{Kind: EventUnsubscribed, Channel: ch})
	o.fillSlots()
	return nil
}

// Publish serves media on ch. With an empty ch a new stream is created and
// its server-assigned id returned. Must not be called from an event handler
// of this orchestrator: the reply is read by the dispatch goroutine.
func (o *Orchestrator) Publish(ctx context.Context, ch domain.ChannelID, media LocalMedia) (domain.ChannelID, error) {
	if !o.connected() {
		return "", core.ErrNoLink
	}
	if ch == "" {
		id, err := o.createStream(ctx, media.Metadata)
		if err != nil {
			return "", err
		}
		ch = id
	}

	o.mu.Lock()
	o.published[ch] = media
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("channel", string(ch)).Int("tracks", len(media.Tracks)).Msg("publishing")
	o.emit(Event{Kind: EventPublished, Channel: ch})
	return ch, nil
}

func (o *Orchestrator) createStream(ctx context.Context, metadata map[string]any) (domain.ChannelID, error) {
	reply := make(chan domain.ChannelID, 1)
	o.mu.Lock()
	o.creates = append(o.creates, reply)
	o.mu.Unlock()

	if err := o.send(core.Message{Type: core.TypeCreateStream, Metadata: metadata}); err != nil {
		o.dropCreate(reply)
		return "", fmt.Errorf("create stream: %w", err)
	}
	select {
	case id, ok := <-reply:
		if !ok {
			return "", fmt.Errorf("create stream: %w", core.ErrLinkClosed)
		}
		return id, nil
	case <-ctx.Done():
		o.dropCreate(reply)
		return "", fmt.Errorf("create stream: %w", ctx.Err())
	}
}

func (o *Orchestrator) dropCreate(reply chan domain.ChannelID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, c := range o.creates {
		if c == reply {
			o.creates = append(o.creates[:i], o.creates[i+1:]...)
			return
		}
	}
}

// Unpublish closes every viewer session of ch and sends leave-stream once.
func (o *Orchestrator) Unpublish(ch domain.ChannelID) error {
	o.mu.Lock()
	_, ok := o.published[ch]
	delete(o.published, ch)
	o.mu.Unlock()

	closed := 0
	for _, s := range o.Registry.ByChannel(ch) {
		if s.Key().Peer == "" {
			continue
		}
		if o.Registry.Remove(s.Key()) {
			closed++
		}
	}
	if !ok {
		return nil
	}
	if err := o.send(o.opts.Dialect.Unpublish(ch)); err != nil && !errors.Is(err, core.ErrNoLink) {
		log.Warn().Str("module", "orch").Str("channel", string(ch)).Err(err).Msg("leave-stream not sent")
	}
	log.Info().Str("module", "orch").Str("channel", string(ch)).Int("sessions", closed).Msg("unpublished")
	return nil
}

func (o *Orchestrator) OnRemoteTrack(h TrackHandler) {
	o.hmu.Lock()
	defer o.hmu.Unlock()
	o.trackHandlers = append(o.trackHandlers, h)
}

func (o *Orchestrator) OnEvent(h func(Event)) {
	o.hmu.Lock()
	defer o.hmu.Unlock()
	o.eventHandlers = append(o.eventHandlers, h)
}

func (o *Orchestrator) Channels() []domain.Channel    { return o.Directory.List() }
func (o *Orchestrator) Sessions() []core.SessionInfo  { return o.Registry.Snapshot() }
func (o *Orchestrator) Frames() app.FrameStats        { return o.Router.Stats() }
func (o *Orchestrator) RTT() time.Duration            { return time.Duration(o.rtt.Load()) }
func (o *Orchestrator) Published() []domain.ChannelID { return o.publishedIDs() }

// LatestFrame is the last raw frame routed to ch on any link.
func (o *Orchestrator) LatestFrame(ch domain.ChannelID) (app.RoutedFrame, bool) {
	return o.Bus.Latest(ch)
}

func (o *Orchestrator) Identity() (domain.ClientIdentity, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.identity, o.identity.Valid()
}

// Attach binds link as the signaling transport. The returned channel yields
// the close cause once the link is gone and the orchestrator has detached.
// The caller starts the link afterwards.
func (o *Orchestrator) Attach(ctx context.Context, link core.Link) <-chan error {
	linkCtx, cancel := context.WithCancel(ctx)
	closed := make(chan error, 1)

	o.mu.Lock()
	o.link = link
	o.linkCtx = linkCtx
	o.linkCancel = cancel
	o.closeCh = closed
	o.mu.Unlock()
	o.Router.Reset()

	link.OnMessage(o.dispatch)
	link.OnBinary(o.onBinary)
	link.OnError(func(err error) {
		log.Warn().Str("module", "orch").Err(err).Msg("signaling error")
	})
	link.OnOpen(func() {
		o.refreshCatalog()
		go o.keepalive(linkCtx)
	})
	link.OnClose(func(err error) { o.Detach(err) })

	log.Info().Str("module", "orch").Str("role", string(o.opts.Role)).Msg("link attached")
	return closed
}

// Detach tears down everything tied to the current link: all sessions are
// closed before the link itself, then identity and directory are cleared.
func (o *Orchestrator) Detach(cause error) {
	o.mu.Lock()
	link := o.link
	if link == nil {
		o.mu.Unlock()
		return
	}
	o.link = nil
	o.linkCancel()
	closed := o.closeCh
	o.identity = domain.ClientIdentity{}
	o.pendingSubs = nil
	creates := o.creates
	o.creates = nil
	o.published = make(map[domain.ChannelID]LocalMedia)
	o.mu.Unlock()

	for _, c := range creates {
		close(c)
	}
	n := o.Registry.RemoveAll()
	link.Close()
	o.Directory.Clear()
	o.Router.Reset()

	log.Info().Str("module", "orch").Err(cause).Int("sessions", n).Msg("link detached")
	o.emit(Event{Kind: EventDisconnected, Err: cause})
	closed <- cause
}

// Close detaches and waits for in-flight negotiations.
func (o *Orchestrator) Close() {
	o.Detach(nil)
	o.workers.Wait()
	o.Bus.Close()
}

// Wait blocks until every negotiation started so far has finished.
func (o *Orchestrator) Wait() { o.workers.Wait() }

func (o *Orchestrator) connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.link != nil
}

func (o *Orchestrator) context() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.linkCtx == nil {
		return context.Background()
	}
	return o.linkCtx
}

func (o *Orchestrator) send(m core.Message) error {
	o.mu.Lock()
	link := o.link
	o.mu.Unlock()
	if link == nil {
		return core.ErrNoLink
	}
	if err := link.Send(m); err != nil {
		log.Warn().Str("module", "orch").Str("type", string(m.Type)).Err(err).Msg("send failed")
		return err
	}
	return nil
}

func (o *Orchestrator) subscriptions() int {
	return o.Registry.CountKeys(func(k domain.SessionKey) bool { return k.Peer == "" })
}

func (o *Orchestrator) publication(ch domain.ChannelID) (domain.ChannelID, LocalMedia, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch == "" && len(o.published) == 1 {
		for id, m := range o.published {
			return id, m, true
		}
	}
	m, ok := o.published[ch]
	return ch, m, ok
}

func (o *Orchestrator) publishedIDs() []domain.ChannelID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.ChannelID, 0, len(o.published))
	for id := range o.published {
		out = append(out, id)
	}
	return out
}

// goSafe runs fn on a tracked goroutine; a panic is logged, never propagated.
func (o *Orchestrator) goSafe(fn func()) {
	o.workers.Go(func() {
		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			log.Error().Str("module", "orch").Err(r.AsError()).Msg("recovered panic")
		}
	})
}

func (o *Orchestrator) isDeclined(ch domain.ChannelID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.declined[ch]
	return ok
}

func without(list []domain.ChannelID, ch domain.ChannelID) []domain.ChannelID {
	out := list[:0]
	for _, c := range list {
		if c != ch {
			out = append(out, c)
		}
	}
	return out
}
