package media

import (
	"context"
	"sync"

	"github.com/dkeye/streamview/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// PublishFunc publishes tracks as a new channel.
type PublishFunc func(ctx context.Context, tracks []webrtc.TrackLocal) (domain.ChannelID, error)

// Restreamer republishes the media received on one subscribed channel.
// It publishes once, on the first relayed video track.
type Restreamer struct {
	From    domain.ChannelID
	Relays  *RelayManager
	Publish PublishFunc

	mu        sync.Mutex
	published domain.ChannelID
}

func NewRestreamer(from domain.ChannelID, relays *RelayManager, publish PublishFunc) *Restreamer {
	return &Restreamer{From: from, Relays: relays, Publish: publish}
}

// HandleTrack is an orchestrator remote-track handler.
func (r *Restreamer) HandleTrack(ctx context.Context, ch domain.ChannelID, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if ch != r.From {
		return
	}
	logger := log.With().Str("module", "media.restream").Str("channel", string(ch)).Logger()

	key := RelayKey{Channel: ch, Kind: track.Kind()}
	if _, err := r.Relays.StartRelay(ctx, key, track, track.Codec().RTPCodecCapability); err != nil {
		logger.Error().Err(err).Msg("start relay")
		return
	}
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.published != "" {
		return
	}
	id, err := r.Publish(ctx, r.Relays.LocalTracks(ch))
	if err != nil {
		logger.Error().Err(err).Msg("publish restream")
		return
	}
	r.published = id
	logger.Info().Str("published", string(id)).Msg("restreaming")
}

// Published returns the channel id the restream was published under.
func (r *Restreamer) Published() domain.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published
}

// Reset forgets the published channel after a reconnect.
func (r *Restreamer) Reset() {
	r.mu.Lock()
	r.published = ""
	r.mu.Unlock()
	r.Relays.StopChannel(r.From)
}
