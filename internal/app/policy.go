package app

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
)

type JoinMode string

const (
	JoinNone         JoinMode = "none"
	JoinSubscribeAll JoinMode = "subscribe-all"
	JoinExplicit     JoinMode = "explicit"
)

func (m JoinMode) Valid() bool {
	return m == JoinNone || m == JoinSubscribeAll || m == JoinExplicit
}

// JoinPolicy decides which advertised channels a viewer joins on its own and
// how many subscriptions may be live at once.
type JoinPolicy struct {
	Mode             JoinMode
	MaxSubscriptions int
	channels         map[domain.ChannelID]struct{}
}

func NewJoinPolicy(mode JoinMode, channels []domain.ChannelID, max int) JoinPolicy {
	set := make(map[domain.ChannelID]struct{}, len(channels))
	for _, c := range channels {
		set[c] = struct{}{}
	}
	return JoinPolicy{Mode: mode, MaxSubscriptions: max, channels: set}
}

// Wants reports whether ch should be joined automatically.
func (p JoinPolicy) Wants(ch domain.ChannelID) bool {
	switch p.Mode {
	case JoinSubscribeAll:
		return true
	case JoinExplicit:
		_, ok := p.channels[ch]
		return ok
	default:
		return false
	}
}

func (p JoinPolicy) Channels() []domain.ChannelID {
	out := make([]domain.ChannelID, 0, len(p.channels))
	for c := range p.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Admit fails with core.ErrSubscriptionLimit when active subscriptions
// already fill the cap. A cap of 0 means unlimited.
func (p JoinPolicy) Admit(active int) error {
	if p.MaxSubscriptions > 0 && active >= p.MaxSubscriptions {
		return fmt.Errorf("%w: %d of %d in use", core.ErrSubscriptionLimit, active, p.MaxSubscriptions)
	}
	return nil
}

type BackpressureAction int

const (
	DropMessage BackpressureAction = iota
	FailSession
)

// OnBackpressure says what to do when a message of type t could not be queued
// on the link. Losing an SDP leaves the session stuck, so it fails; trickled
// candidates and keepalives are best effort.
func OnBackpressure(t core.MessageType) BackpressureAction {
	switch t {
	case core.TypeOffer, core.TypeAnswer:
		return FailSession
	default:
		return DropMessage
	}
}

// SubscribeLimiter bounds automatic subscribe attempts per channel within a
// sliding window, so a channel the server keeps rejecting is not retried in a loop.
type SubscribeLimiter struct {
	mu       sync.Mutex
	history  map[domain.ChannelID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewSubscribeLimiter(limit int, interval time.Duration) *SubscribeLimiter {
	return &SubscribeLimiter{
		history:  make(map[domain.ChannelID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *SubscribeLimiter) Allow(ch domain.ChannelID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[ch]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[ch] = fresh
		return false
	}
	rl.history[ch] = append(fresh, now)
	return true
}

// Reset clears the history of ch after a successful subscription.
func (rl *SubscribeLimiter) Reset(ch domain.ChannelID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, ch)
}
