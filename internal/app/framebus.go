package app

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"

	"github.com/dkeye/streamview/internal/domain"
	"github.com/rs/zerolog/log"
)

// DecodedFrame is what UI consumers receive.
type DecodedFrame struct {
	RoutedFrame
	Image image.Image
	Seq   uint64
}

type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type BusStats struct {
	Published   uint64                     `json:"published"`
	Undecodable uint64                     `json:"undecodable"`
	Subscribers map[string]SubscriberStats `json:"subscribers"`
}

type frameSub struct {
	ch      chan DecodedFrame
	filter  domain.ChannelID
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// FrameBus decodes routed frames and fans them out. Delivery never blocks:
// a subscriber whose buffer is full misses the frame.
type FrameBus struct {
	mu     sync.RWMutex
	subs   map[string]*frameSub
	latest map[domain.ChannelID]RoutedFrame
	closed bool

	seq         atomic.Uint64
	published   atomic.Uint64
	undecodable atomic.Uint64
}

func NewFrameBus() *FrameBus {
	return &FrameBus{
		subs:   make(map[string]*frameSub),
		latest: make(map[domain.ChannelID]RoutedFrame),
	}
}

// Subscribe registers id for frames of filter, or of every channel when
// filter is empty.
func (b *FrameBus) Subscribe(id string, filter domain.ChannelID, buffer int) (<-chan DecodedFrame, error) {
	if buffer <= 0 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriberExists, id)
	}
	s := &frameSub{ch: make(chan DecodedFrame, buffer), filter: filter}
	b.subs[id] = s
	return s.ch, nil
}

func (b *FrameBus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	delete(b.subs, id)
	close(s.ch)
	return nil
}

// Publish records f as the channel's latest frame and delivers its decoded
// image to matching subscribers.
func (b *FrameBus) Publish(f RoutedFrame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.latest[f.Channel] = f
	b.mu.Unlock()
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.wantsLocked(f.Channel) {
		return nil
	}

	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		b.undecodable.Add(1)
		log.Debug().Str("module", "app.framebus").Str("channel", string(f.Channel)).Err(err).Msg("decode frame")
		return fmt.Errorf("%w: %v", ErrUndecodableFrame, err)
	}
	df := DecodedFrame{RoutedFrame: f, Image: img, Seq: b.seq.Add(1)}
	for _, s := range b.subs {
		if s.filter != "" && s.filter != f.Channel {
			continue
		}
		select {
		case s.ch <- df:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Latest returns the last raw frame seen for ch.
func (b *FrameBus) Latest(ch domain.ChannelID) (RoutedFrame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.latest[ch]
	return f, ok
}

// Forget drops the cached frame of a channel that went away.
func (b *FrameBus) Forget(ch domain.ChannelID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, ch)
}

func (b *FrameBus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := BusStats{
		Published:   b.published.Load(),
		Undecodable: b.undecodable.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subs)),
	}
	for id, s := range b.subs {
		out.Subscribers[id] = SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
	}
	return out
}

func (b *FrameBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

func (b *FrameBus) wantsLocked(ch domain.ChannelID) bool {
	for _, s := range b.subs {
		if s.filter == "" || s.filter == ch {
			return true
		}
	}
	return false
}
