package app

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dkeye/streamview/internal/domain"
	"github.com/rs/zerolog/log"
)

// FrameTagging selects how a binary frame names its channel.
type FrameTagging string

const (
	// TaggingMetadata pairs each binary frame with the frame-metadata message
	// sent right before it on the same connection.
	TaggingMetadata FrameTagging = "metadata"
	// TaggingPrefixed frames carry their channel id: uint16 BE length | id | payload.
	TaggingPrefixed FrameTagging = "prefixed"
)

func (t FrameTagging) Valid() bool { return t == TaggingMetadata || t == TaggingPrefixed }

type RoutedFrame struct {
	Channel domain.ChannelID
	Data    []byte
	At      time.Time
}

type ChannelFrameStats struct {
	Routed    uint64    `json:"routed"`
	Dropped   uint64    `json:"dropped"`
	LastBytes int       `json:"lastBytes"`
	LastAt    time.Time `json:"lastAt,omitempty"`
}

type FrameStats struct {
	Mode        FrameTagging                           `json:"mode"`
	Unannounced uint64                                 `json:"unannounced"`
	Overwritten uint64                                 `json:"overwritten"`
	Ambiguous   uint64                                 `json:"ambiguous"`
	Mismatched  uint64                                 `json:"mismatched"`
	Malformed   uint64                                 `json:"malformed"`
	Channels    map[domain.ChannelID]ChannelFrameStats `json:"channels"`
}

type announcement struct {
	channel domain.ChannelID
	size    int
	// ambiguous is set when this announcement replaced one whose frame never
	// arrived: the next frame may belong to either channel.
	ambiguous bool
}

// FrameRouter attributes binary frames to channels. One router serves one link.
type FrameRouter struct {
	mode       FrameTagging
	strictSize bool

	mu      sync.Mutex
	pending *announcement
	stats   FrameStats
}

type FrameRouterOption func(*FrameRouter)

// WithStrictFrameSize drops frames whose length differs from the announced
// frameSize. Without it a mismatch is only counted and logged.
func WithStrictFrameSize() FrameRouterOption {
	return func(r *FrameRouter) { r.strictSize = true }
}

func NewFrameRouter(mode FrameTagging, opts ...FrameRouterOption) *FrameRouter {
	if !mode.Valid() {
		mode = TaggingMetadata
	}
	r := &FrameRouter{
		mode: mode,
		stats: FrameStats{
			Mode:     mode,
			Channels: make(map[domain.ChannelID]ChannelFrameStats),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *FrameRouter) Mode() FrameTagging { return r.mode }

// NoteMetadata announces the channel of the next binary frame. frameSize of 0
// means unknown. Ignored in prefixed mode.
func (r *FrameRouter) NoteMetadata(ch domain.ChannelID, frameSize int) {
	if r.mode != TaggingMetadata {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := &announcement{channel: ch, size: frameSize}
	if r.pending != nil {
		r.stats.Overwritten++
		r.dropLocked(r.pending.channel)
		next.ambiguous = true
		log.Warn().Str("module", "app.frames").
			Str("channel", string(r.pending.channel)).
			Str("next", string(ch)).
			Msg("metadata overwritten before its frame")
	}
	r.pending = next
}

// RouteBinary returns the channel b belongs to. Frames that cannot be
// attributed are dropped with an error; they are never guessed.
func (r *FrameRouter) RouteBinary(b []byte) (RoutedFrame, error) {
	if r.mode == TaggingPrefixed {
		return r.routePrefixed(b)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending
	r.pending = nil
	if p == nil {
		r.stats.Unannounced++
		return RoutedFrame{}, fmt.Errorf("%w: %d bytes", ErrUnannouncedFrame, len(b))
	}
	if p.ambiguous {
		r.stats.Ambiguous++
		r.dropLocked(p.channel)
		return RoutedFrame{}, fmt.Errorf("%w: channel %s, %d bytes", ErrAmbiguousFrame, p.channel, len(b))
	}
	if p.size > 0 && p.size != len(b) {
		r.stats.Mismatched++
		if r.strictSize {
			r.dropLocked(p.channel)
			return RoutedFrame{}, fmt.Errorf("%w: channel %s announced %d, got %d", ErrFrameSizeMismatch, p.channel, p.size, len(b))
		}
		log.Debug().Str("module", "app.frames").
			Str("channel", string(p.channel)).
			Int("announced", p.size).
			Int("got", len(b)).
			Msg("frame size differs from metadata")
	}
	return r.routedLocked(p.channel, b), nil
}

// Reset forgets any pending announcement, e.g. when the link is replaced.
func (r *FrameRouter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
}

func (r *FrameRouter) Stats() FrameStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.Channels = make(map[domain.ChannelID]ChannelFrameStats, len(r.stats.Channels))
	for k, v := range r.stats.Channels {
		out.Channels[k] = v
	}
	return out
}

func (r *FrameRouter) routePrefixed(b []byte) (RoutedFrame, error) {
	ch, payload, err := DecodePrefixed(b)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.stats.Malformed++
		return RoutedFrame{}, err
	}
	return r.routedLocked(ch, payload), nil
}

func (r *FrameRouter) routedLocked(ch domain.ChannelID, b []byte) RoutedFrame {
	now := time.Now()
	s := r.stats.Channels[ch]
	s.Routed++
	s.LastBytes = len(b)
	s.LastAt = now
	r.stats.Channels[ch] = s
	return RoutedFrame{Channel: ch, Data: b, At: now}
}

func (r *FrameRouter) dropLocked(ch domain.ChannelID) {
	s := r.stats.Channels[ch]
	s.Dropped++
	r.stats.Channels[ch] = s
}

// EncodePrefixed tags payload with ch for the prefixed framing.
func EncodePrefixed(ch domain.ChannelID, payload []byte) ([]byte, error) {
	if len(ch) == 0 || len(ch) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: channel id length %d", ErrMalformedFrame, len(ch))
	}
	out := make([]byte, 2+len(ch)+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(ch)))
	copy(out[2:], ch)
	copy(out[2+len(ch):], payload)
	return out, nil
}

func DecodePrefixed(b []byte) (domain.ChannelID, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}
	n := int(binary.BigEndian.Uint16(b))
	if n == 0 || len(b) < 2+n {
		return "", nil, fmt.Errorf("%w: id length %d in %d bytes", ErrMalformedFrame, n, len(b))
	}
	return domain.ChannelID(b[2 : 2+n]), b[2+n:], nil
}
