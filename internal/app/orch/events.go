package orch

import (
	"slices"

	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

type EventKind int

const (
	EventIdentity EventKind = iota
	EventSubscribed
	EventUnsubscribed
	EventSubscribeError
	EventSessionState
	EventPublished
	EventDisconnected
	EventPolicyRejected
)

var eventNames = [...]string{
	EventIdentity:       "identity",
	EventSubscribed:     "subscribed",
	EventUnsubscribed:   "unsubscribed",
	EventSubscribeError: "subscribe-error",
	EventSessionState:   "session-state",
	EventPublished:      "published",
	EventDisconnected:   "disconnected",
	EventPolicyRejected: "policy-rejected",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is what UI layers observe. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Channel  domain.ChannelID
	Peer     domain.PeerID
	State    core.SessionState
	Identity domain.ClientIdentity
	Err      error
}

func (o *Orchestrator) emit(ev Event) {
	o.hmu.RLock()
	handlers := slices.Clone(o.eventHandlers)
	o.hmu.RUnlock()

	for _, h := range handlers {
		var pc panics.Catcher
		pc.Try(func() { h(ev) })
		if r := pc.Recovered(); r != nil {
			log.Error().Str("module", "orch").Str("event", ev.Kind.String()).Err(r.AsError()).Msg("event handler panicked")
		}
	}
}
