package media

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/streamview/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RelayKey names one relayed remote track.
type RelayKey struct {
	Channel domain.ChannelID
	Kind    webrtc.RTPCodecType
}

func (k RelayKey) String() string { return string(k.Channel) + "/" + k.Kind.String() }

// localOut is the OutTrack id under which a relay feeds its republished track.
const localOut = "local"

type relayEntry struct {
	relay *Relay
	local *webrtc.TrackLocalStaticRTP
}

type RelayManager struct {
	mu     sync.RWMutex
	relays map[RelayKey]*relayEntry
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[RelayKey]*relayEntry),
	}
}

// StartRelay starts copying src into a new local track with the given codec
// and returns that track. An existing relay for key is replaced.
func (m *RelayManager) StartRelay(ctx context.Context, key RelayKey, src RTPReader, codec webrtc.RTPCodecCapability) (*webrtc.TrackLocalStaticRTP, error) {
	logger := log.With().
		Str("module", "media.relay").
		Str("relay", key.String()).
		Logger()

	local, err := webrtc.NewTrackLocalStaticRTP(codec, key.Kind.String(), "restream-"+string(key.Channel))
	if err != nil {
		return nil, fmt.Errorf("local track for %s: %w", key, err)
	}

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)
	relay.AddOutTrack(localOut, NewOutTrack(local))

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		old.relay.markAllDelete()
		old.relay.cancel()
	}
	m.relays[key] = &relayEntry{relay: relay, local: local}
	m.mu.Unlock()

	logger.Info().Str("mime", codec.MimeType).Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
	return local, nil
}

// AddSubscriber attaches an extra sink to the relay of key.
func (m *RelayManager) AddSubscriber(key RelayKey, dst string, w RTPWriter) bool {
	m.mu.RLock()
	e, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	e.relay.AddOutTrack(dst, NewOutTrack(w))
	return true
}

func (m *RelayManager) MarkSubscriberDelete(key RelayKey, dst string) {
	m.mu.RLock()
	e, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := e.relay.outTrack(dst); ok {
		ot.MarkDelete()
	}
}

func (m *RelayManager) StopRelay(key RelayKey) {
	m.mu.Lock()
	e, ok := m.relays[key]
	delete(m.relays, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.relay.markAllDelete()
	e.relay.cancel()
}

// StopChannel stops every relay fed by ch.
func (m *RelayManager) StopChannel(ch domain.ChannelID) {
	m.mu.RLock()
	var keys []RelayKey
	for k := range m.relays {
		if k.Channel == ch {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	for _, k := range keys {
		m.StopRelay(k)
	}
}

func (m *RelayManager) HasRelay(key RelayKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[key]
	return ok
}

// LocalTracks returns the republishable tracks of ch, video first.
func (m *RelayManager) LocalTracks(ch domain.ChannelID) []webrtc.TrackLocal {
	m.mu.RLock()
	keys := make([]RelayKey, 0, len(m.relays))
	for k := range m.relays {
		if k.Channel == ch {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Kind > keys[j].Kind })
	out := make([]webrtc.TrackLocal, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.relays[k].local)
	}
	m.mu.RUnlock()
	return out
}
