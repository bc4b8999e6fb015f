package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dkeye/streamview/internal/core"
	"github.com/rs/zerolog/log"
)

type ReconnectPolicy string

const (
	ReconnectNone    ReconnectPolicy = "none"
	ReconnectBackoff ReconnectPolicy = "backoff"
)

func (p ReconnectPolicy) Valid() bool { return p == ReconnectNone || p == ReconnectBackoff }

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed of 0 retries forever.
	MaxElapsed time.Duration
}

func (c BackoffConfig) build() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	b.MaxElapsedTime = c.MaxElapsed
	b.Reset()
	return b
}

// Runner owns the signaling link: it dials, attaches the orchestrator and
// applies the reconnect policy when the link goes away.
type Runner struct {
	orch    *Orchestrator
	dial    core.Dialer
	policy  ReconnectPolicy
	backoff BackoffConfig
}

func NewRunner(o *Orchestrator, dial core.Dialer, policy ReconnectPolicy, cfg BackoffConfig) *Runner {
	if !policy.Valid() {
		policy = ReconnectNone
	}
	return &Runner{orch: o, dial: dial, policy: policy, backoff: cfg}
}

// Run blocks until ctx ends, or until the link is lost under policy none or
// the backoff gives up. A cancelled ctx returns nil.
func (r *Runner) Run(ctx context.Context) error {
	b := r.backoff.build()
	for attempt := 1; ; attempt++ {
		cause := r.session(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		if r.policy == ReconnectNone {
			if cause == nil {
				cause = core.ErrLinkClosed
			}
			return cause
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("reconnect gave up after %d attempts: %w", attempt, cause)
		}
		log.Warn().Str("module", "orch.runner").Err(cause).Dur("wait", wait).Int("attempt", attempt).Msg("reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one link from dial to close and returns why it ended.
func (r *Runner) session(ctx context.Context, b *backoff.ExponentialBackOff) error {
	link, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	b.Reset()

	closed := r.orch.Attach(ctx, link)
	link.Start(ctx)

	select {
	case cause := <-closed:
		return cause
	case <-ctx.Done():
		r.orch.Detach(nil)
		<-closed
		return ctx.Err()
	}
}
