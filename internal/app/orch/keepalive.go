package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/streamview/internal/app"
	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/rs/zerolog/log"
)

// keepalive refreshes the catalog and pings the server until ctx ends.
func (o *Orchestrator) keepalive(ctx context.Context) {
	refresh := time.NewTicker(o.opts.RefreshInterval)
	defer refresh.Stop()

	var ping <-chan time.Time
	if o.opts.PingPeriod > 0 {
		t := time.NewTicker(o.opts.PingPeriod)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			o.refreshCatalog()
		case <-ping:
			_ = o.send(core.Message{Type: core.TypePing, Timestamp: time.Now().UnixMilli()})
		}
	}
}

func (o *Orchestrator) refreshCatalog() {
	if err := o.send(o.opts.Dialect.ListCatalog()); err != nil && !errors.Is(err, core.ErrNoLink) {
		log.Debug().Str("module", "orch").Err(err).Msg("catalog refresh not sent")
	}
}

// onChannelEvent drives the auto-join policy from directory changes.
func (o *Orchestrator) onChannelEvent(ev app.ChannelEvent) {
	if o.opts.Role != RoleViewer {
		return
	}
	ch := ev.Channel.ID
	switch ev.Kind {
	case app.ChannelAdded, app.ChannelUpdated:
		if ev.Channel.Active {
			o.autoJoin(ch)
		}
	case app.ChannelRemoved:
		removed := o.Registry.Remove(domain.ViewerKey(ch))
		if removed {
			log.Info().Str("module", "orch").Str("channel", string(ch)).Msg("channel gone, session closed")
			o.emit(Event{Kind: EventUnsubscribed, Channel: ch})
			o.fillSlots()
		}
	}
}

// autoJoin reports whether a subscribe was sent or already exists.
func (o *Orchestrator) autoJoin(ch domain.ChannelID) bool {
	if !o.Policy.Wants(ch) || o.isDeclined(ch) || !o.connected() {
		return false
	}
	if _, ok := o.Registry.Live(domain.ViewerKey(ch)); ok {
		return true
	}
	if !o.Limiter.Allow(ch) {
		log.Debug().Str("module", "orch").Str("channel", string(ch)).Msg("auto-join rate limited")
		return false
	}
	err := o.Subscribe(ch)
	switch {
	case err == nil:
		return true
	case errors.Is(err, core.ErrSubscriptionLimit):
		log.Warn().Str("module", "orch").Str("channel", string(ch)).Err(err).Msg("auto-join skipped")
		o.emit(Event{Kind: EventPolicyRejected, Channel: ch, Err: err})
	default:
		log.Warn().Str("module", "orch").Str("channel", string(ch)).Err(err).Msg("auto-join failed")
	}
	return false
}

// fillSlots subscribes to wanted active channels while the cap allows.
func (o *Orchestrator) fillSlots() {
	if o.opts.Role != RoleViewer || o.Policy.Mode == app.JoinNone {
		return
	}
	for _, c := range o.Directory.List() {
		if o.Policy.Admit(o.subscriptions()) != nil {
			return
		}
		if c.Active {
			o.autoJoin(c.ID)
		}
	}
}
