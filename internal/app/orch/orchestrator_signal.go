package orch

import (
	"errors"
	"time"

	"github.com/dkeye/streamview/internal/app"
	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/rs/zerolog/log"
)

// dispatch runs on the link's read goroutine, one message at a time in wire order.
func (o *Orchestrator) dispatch(m core.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "orch").Str("type", string(m.Type)).Interface("panic", r).Msg("dispatch recovered")
		}
	}()

	if err := m.Validate(); err != nil {
		log.Warn().Str("module", "orch").Err(err).Msg("dropping message")
		return
	}

	switch m.Type {
	case core.TypeWelcome:
		o.onWelcome(m)
	case core.TypeStreamsList, core.TypeChannelsList:
		if list, ok := m.Catalog(); ok {
			o.Directory.Replace(list)
		}
	case core.TypeStreamAdded, core.TypeChannelAdded:
		o.onChannelAdded(m)
	case core.TypeStreamRemoved, core.TypeChannelRemoved:
		o.onChannelRemoved(m.Channel())
	case core.TypeUnityDisconnected:
		if ch := m.Channel(); ch != "" {
			o.onChannelRemoved(ch)
		} else {
			o.Directory.Clear()
		}
	case core.TypeViewerCount, core.TypeChannelActive:
		o.onChannelDelta(m)

	case core.TypeStreamCreated:
		o.onStreamCreated(m.Channel())
	case core.TypeViewerJoined:
		o.onViewerJoined(m)
	case core.TypeViewerLeft:
		o.onViewerLeft(m)

	case core.TypeStreamJoined, core.TypeSubscribeAck:
		o.onSubscribed(m)
	case core.TypeSubscribeError:
		o.onSubscribeError(m)

	case core.TypeOffer:
		o.onOffer(m)
	case core.TypeAnswer:
		o.onAnswer(m)
	case core.TypeICECandidate, core.TypeCandidate:
		o.onCandidate(m)

	case core.TypeFrameMetadata:
		o.Router.NoteMetadata(m.Channel(), m.FrameSize)
	case core.TypePing:
		_ = o.send(core.Message{Type: core.TypePong, Timestamp: m.Timestamp})
	case core.TypePong:
		o.onPong(m.Timestamp)

	default:
		log.Debug().Str("module", "orch").Str("type", string(m.Type)).Msg("ignoring client-bound type")
	}
}

func (o *Orchestrator) onBinary(f core.Frame) {
	rf, err := o.Router.RouteBinary(f)
	if err != nil {
		log.Warn().Str("module", "orch").Err(err).Msg("dropped frame")
		return
	}
	if err := o.Bus.Publish(rf); err != nil && !errors.Is(err, app.ErrBusClosed) {
		log.Debug().Str("module", "orch").Str("channel", string(rf.Channel)).Err(err).Msg("frame not delivered")
	}
}

func (o *Orchestrator) onWelcome(m core.Message) {
	id := domain.ClientIdentity{ID: m.ClientID, AssignedAt: time.Now()}
	o.mu.Lock()
	o.identity = id
	o.mu.Unlock()
	log.Info().Str("module", "orch").Str("client", string(id.ID)).Msg("identity assigned")
	o.emit(Event{Kind: EventIdentity, Identity: id})

	if list, ok := m.Catalog(); ok {
		o.Directory.Replace(list)
	}
}

func (o *Orchestrator) onChannelAdded(m core.Message) {
	u := domain.ChannelUpdate{ID: m.Channel(), Active: m.Active, ViewerCount: m.ViewerCount, Metadata: m.Metadata}
	if u.Active == nil {
		active := true
		u.Active = &active
	}
	o.Directory.Upsert(u)
}

func (o *Orchestrator) onChannelDelta(m core.Message) {
	ch := m.Channel()
	if ch == "" {
		return
	}
	o.Directory.Upsert(domain.ChannelUpdate{ID: ch, Active: m.Active, ViewerCount: m.ViewerCount, Metadata: m.Metadata})
}

func (o *Orchestrator) onChannelRemoved(ch domain.ChannelID) {
	if ch == "" {
		return
	}
	o.Directory.Remove(ch)
	o.Bus.Forget(ch)
}

func (o *Orchestrator) onStreamCreated(ch domain.ChannelID) {
	o.mu.Lock()
	if len(o.creates) == 0 {
		o.mu.Unlock()
		log.Debug().Str("module", "orch").Str("channel", string(ch)).Msg("stream-created without pending request")
		return
	}
	reply := o.creates[0]
	o.creates = o.creates[1:]
	o.mu.Unlock()
	reply <- ch
}

func (o *Orchestrator) onViewerJoined(m core.Message) {
	viewer := m.ViewerID
	if viewer == "" {
		viewer = m.Peer()
	}
	ch, media, ok := o.publication(m.Channel())
	if !ok || viewer == "" {
		log.Debug().Str("module", "orch").Str("channel", string(m.Channel())).Str("viewer", string(viewer)).Msg("viewer joined a channel not published here")
		return
	}
	s, created, err := o.Registry.GetOrCreate(domain.PublisherKey(viewer, ch), core.RoleOfferer, true)
	if err != nil || !created {
		return
	}
	s.SetRemoteID(viewer)
	log.Info().Str("module", "orch").Str("channel", string(ch)).Str("viewer", string(viewer)).Msg("viewer joined")

	ctx := o.context()
	o.goSafe(func() { o.negotiateOffer(ctx, s, media.Tracks) })
}

func (o *Orchestrator) onViewerLeft(m core.Message) {
	viewer := m.ViewerID
	if viewer == "" {
		viewer = m.Peer()
	}
	if ch := m.Channel(); ch != "" {
		o.Registry.Remove(domain.PublisherKey(viewer, ch))
		return
	}
	for _, s := range o.Registry.FindByRemote(viewer) {
		if s.Key().Peer == viewer {
			o.Registry.Remove(s.Key())
		}
	}
}

func (o *Orchestrator) onSubscribed(m core.Message) {
	ch := m.Channel()
	o.mu.Lock()
	if ch == "" && len(o.pendingSubs) > 0 {
		ch = o.pendingSubs[0]
	}
	o.pendingSubs = without(o.pendingSubs, ch)
	o.mu.Unlock()

	s, ok := o.Registry.Live(domain.ViewerKey(ch))
	if !ok {
		log.Debug().Str("module", "orch").Str("channel", string(ch)).Msg("ack for a channel no longer subscribed")
		return
	}
	broadcaster := m.BroadcasterID
	if broadcaster == "" {
		broadcaster = m.SenderID
	}
	s.SetRemoteID(broadcaster)
	o.Limiter.Reset(ch)
	if m.Metadata != nil {
		if _, known := o.Directory.Get(ch); known {
			o.Directory.Upsert(domain.ChannelUpdate{ID: ch, Metadata: m.Metadata})
		}
	}

	log.Info().Str("module", "orch").Str("channel", string(ch)).Str("broadcaster", string(broadcaster)).Msg("subscribed")
	o.emit(Event{Kind: EventSubscribed, Channel: ch, Peer: broadcaster})

	if s.Role() == core.RoleOfferer && s.State() == core.StateNegotiatingOffer {
		ctx := o.context()
		o.goSafe(func() { o.negotiateViewerOffer(ctx, s) })
	}
}

func (o *Orchestrator) onSubscribeError(m core.Message) {
	ch := m.Channel()
	o.mu.Lock()
	if ch == "" && len(o.pendingSubs) > 0 {
		ch = o.pendingSubs[0]
	}
	o.pendingSubs = without(o.pendingSubs, ch)
	o.mu.Unlock()

	o.Registry.Remove(domain.ViewerKey(ch))

	err := errors.New(m.Error)
	log.Warn().Str("module", "orch").Str("channel", string(ch)).Err(err).Msg("subscribe rejected")
	o.emit(Event{Kind: EventSubscribeError, Channel: ch, Err: err})
}

func (o *Orchestrator) onOffer(m core.Message) {
	peer := m.Peer()
	s := o.lookup(m)
	if s == nil {
		s = o.acceptViewerOffer(m)
	}
	if s == nil {
		log.Warn().Str("module", "orch").Str("peer", string(peer)).Str("channel", string(m.Channel())).Msg("offer for no session")
		return
	}
	s.SetRemoteID(peer)
	ctx := o.context()
	sdp := string(m.SDP)
	o.goSafe(func() { o.answerOffer(ctx, s, sdp) })
}

// acceptViewerOffer opens an answerer session when a viewer offers to a
// channel published here.
func (o *Orchestrator) acceptViewerOffer(m core.Message) *core.PeerSession {
	peer := m.Peer()
	if peer == "" {
		return nil
	}
	ch, media, ok := o.publication(m.Channel())
	if !ok {
		return nil
	}
	s, created, err := o.Registry.GetOrCreate(domain.PublisherKey(peer, ch), core.RoleAnswerer, true)
	if err != nil {
		return nil
	}
	if created && len(media.Tracks) > 0 {
		if err := s.AttachTracks(o.context(), media.Tracks); err != nil {
			log.Warn().Str("module", "orch").Str("peer", string(peer)).Err(err).Msg("attach tracks")
			return nil
		}
	}
	return s
}

func (o *Orchestrator) onAnswer(m core.Message) {
	s := o.lookup(m)
	if s == nil {
		log.Warn().Str("module", "orch").Str("peer", string(m.Peer())).Msg("answer for no session")
		return
	}
	ctx := o.context()
	sdp := string(m.SDP)
	o.goSafe(func() {
		if err := s.ApplyRemoteAnswer(ctx, sdp); err != nil {
			o.negotiationFailed(s, "apply answer", err)
		}
	})
}

// onCandidate applies on the dispatch goroutine so candidates keep wire order.
func (o *Orchestrator) onCandidate(m core.Message) {
	s := o.lookup(m)
	if s == nil {
		log.Debug().Str("module", "orch").Str("peer", string(m.Peer())).Msg("candidate for no session")
		return
	}
	if err := s.AddRemoteCandidate(*m.Candidate); err != nil && !errors.Is(err, core.ErrSessionClosed) {
		log.Warn().Str("module", "orch").Str("session", s.ID()).Err(err).Msg("remote candidate")
	}
}

// lookup finds the session an offer, answer or candidate belongs to.
func (o *Orchestrator) lookup(m core.Message) *core.PeerSession {
	peer, ch := m.Peer(), m.Channel()

	if ch != "" && peer != "" {
		if s, ok := o.Registry.Live(domain.PublisherKey(peer, ch)); ok {
			return s
		}
	}
	if ch != "" {
		if s, ok := o.Registry.Live(domain.ViewerKey(ch)); ok {
			return s
		}
	}
	if peer != "" {
		if s := pickOne(o.Registry.FindByRemote(peer)); s != nil {
			return s
		}
	}
	if ch == "" {
		var unbound []*core.PeerSession
		for _, s := range o.Registry.Snapshot() {
			if s.Key.Peer == "" && s.Remote == "" && !s.State.Terminal() {
				if ps, ok := o.Registry.Get(s.Key); ok {
					unbound = append(unbound, ps)
				}
			}
		}
		if len(unbound) == 1 {
			return unbound[0]
		}
	}
	return nil
}

// pickOne prefers the only session still negotiating when a peer has several.
func pickOne(list []*core.PeerSession) *core.PeerSession {
	if len(list) == 1 {
		return list[0]
	}
	var open []*core.PeerSession
	for _, s := range list {
		if st := s.State(); st != core.StateConnected && !st.Terminal() {
			open = append(open, s)
		}
	}
	if len(open) == 1 {
		return open[0]
	}
	return nil
}

func (o *Orchestrator) onPong(ts int64) {
	if ts <= 0 {
		return
	}
	rtt := time.Since(time.UnixMilli(ts))
	o.rtt.Store(int64(rtt))
	log.Debug().Str("module", "orch").Dur("rtt", rtt).Msg("pong")
}
