package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/streamview/internal/app"
	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

func (o *Orchestrator) sessionHooks() core.SessionHooks {
	return core.SessionHooks{
		OnLocalCandidate: func(s *core.PeerSession, c webrtc.ICECandidateInit) {
			msg := o.opts.Dialect.Candidate(s.RemoteID(), s.Key().Channel, c)
			_ = o.send(msg)
		},
		OnStateChange: o.onSessionState,
		OnTrack: func(ctx context.Context, s *core.PeerSession, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
			o.hmu.RLock()
			handlers := append([]TrackHandler(nil), o.trackHandlers...)
			o.hmu.RUnlock()

			ch := s.Key().Channel
			log.Info().Str("module", "orch").Str("channel", string(ch)).Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
			for _, h := range handlers {
				var pc panics.Catcher
				pc.Try(func() { h(ctx, ch, track, recv) })
				if r := pc.Recovered(); r != nil {
					log.Error().Str("module", "orch").Str("channel", string(ch)).Err(r.AsError()).Msg("track handler panicked")
				}
			}
		},
	}
}

func (o *Orchestrator) onSessionState(s *core.PeerSession, from, to core.SessionState) {
	key := s.Key()
	o.emit(Event{Kind: EventSessionState, Channel: key.Channel, Peer: s.RemoteID(), State: to, Err: s.Err()})
	if to != core.StateFailed {
		return
	}
	// The hook runs on whatever goroutine failed the session, possibly with
	// the registry in the middle of a call; clean up on a worker.
	o.goSafe(func() {
		if !o.Registry.Discard(s) || key.Peer != "" {
			return
		}
		if _, ok := o.Directory.Get(key.Channel); ok {
			inactive := false
			o.Directory.Upsert(domain.ChannelUpdate{ID: key.Channel, Active: &inactive})
		}
		o.fillSlots()
	})
}

// negotiateOffer runs the broadcaster side of one viewer: attach, offer, send.
func (o *Orchestrator) negotiateOffer(ctx context.Context, s *core.PeerSession, tracks []webrtc.TrackLocal) {
	if err := s.AttachTracks(ctx, tracks); err != nil {
		o.negotiationFailed(s, "attach tracks", err)
		return
	}
	o.sendOffer(ctx, s)
}

// negotiateViewerOffer is the viewer side when it offers: receive-only
// transceivers so the offer asks for media.
func (o *Orchestrator) negotiateViewerOffer(ctx context.Context, s *core.PeerSession) {
	if err := s.PrepareReceive(ctx, webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio); err != nil {
		o.negotiationFailed(s, "prepare receive", err)
		return
	}
	o.sendOffer(ctx, s)
}

func (o *Orchestrator) sendOffer(ctx context.Context, s *core.PeerSession) {
	offer, err := s.CreateOffer(ctx)
	if err != nil {
		o.negotiationFailed(s, "create offer", err)
		return
	}
	msg := o.opts.Dialect.Offer(s.RemoteID(), s.Key().Channel, offer.SDP)
	if err := o.send(msg); err != nil {
		o.sendFailed(s, msg.Type, err)
		return
	}
	s.MarkOfferSent()
	log.Debug().Str("module", "orch").Str("session", s.ID()).Str("peer", string(s.RemoteID())).Msg("offer sent")
}

func (o *Orchestrator) answerOffer(ctx context.Context, s *core.PeerSession, sdp string) {
	answer, err := s.ApplyRemoteOffer(ctx, sdp)
	if err != nil {
		o.negotiationFailed(s, "apply offer", err)
		return
	}
	msg := o.opts.Dialect.Answer(s.RemoteID(), s.Key().Channel, answer.SDP)
	if err := o.send(msg); err != nil {
		o.sendFailed(s, msg.Type, err)
		return
	}
	log.Debug().Str("module", "orch").Str("session", s.ID()).Str("peer", string(s.RemoteID())).Msg("answer sent")
}

// negotiationFailed fails s and drops it from the registry. A session closed
// underneath the step is already gone and only logged.
func (o *Orchestrator) negotiationFailed(s *core.PeerSession, step string, err error) {
	if errors.Is(err, core.ErrSessionClosed) || s.State() == core.StateClosed {
		log.Debug().Str("module", "orch").Str("session", s.ID()).Str("step", step).Msg("result discarded, session closed")
		return
	}
	log.Warn().Str("module", "orch").Str("session", s.ID()).Str("key", s.Key().String()).Str("step", step).Err(err).Msg("negotiation failed")
	_ = s.Fail(fmt.Errorf("%s: %w", step, err))
	o.Registry.Discard(s)
}

func (o *Orchestrator) sendFailed(s *core.PeerSession, t core.MessageType, err error) {
	if app.OnBackpressure(t) == app.FailSession || !errors.Is(err, core.ErrBackpressure) {
		o.negotiationFailed(s, "send "+string(t), err)
	}
}
