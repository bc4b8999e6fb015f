package core

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// IceCandidateBuffer holds remote candidates that arrived before the remote
// description was applied. Not safe for concurrent use; the owning
// PeerSession guards it with its own lock.
type IceCandidateBuffer struct {
	queue  []webrtc.ICECandidateInit
	ready  bool
	logger zerolog.Logger
}

func NewIceCandidateBuffer(logger zerolog.Logger) *IceCandidateBuffer {
	return &IceCandidateBuffer{logger: logger}
}

func (b *IceCandidateBuffer) Enqueue(c webrtc.ICECandidateInit) {
	b.queue = append(b.queue, c)
}

// IsReady reports whether the remote description has been set.
func (b *IceCandidateBuffer) IsReady() bool { return b.ready }

func (b *IceCandidateBuffer) MarkReady() { b.ready = true }

func (b *IceCandidateBuffer) Len() int { return len(b.queue) }

// Flush applies queued candidates in arrival order and clears the queue.
// A candidate that fails to apply is logged and skipped.
func (b *IceCandidateBuffer) Flush(apply func(webrtc.ICECandidateInit) error) int {
	if !b.ready || len(b.queue) == 0 {
		return 0
	}
	queue := b.queue
	b.queue = nil

	applied := 0
	for i, c := range queue {
		if err := apply(c); err != nil {
			b.logger.Warn().Err(err).Int("index", i).Str("candidate", c.Candidate).Msg("skip buffered candidate")
			continue
		}
		applied++
	}
	b.logger.Debug().Int("applied", applied).Int("queued", len(queue)).Msg("flushed candidates")
	return applied
}
