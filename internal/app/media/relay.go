package media

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// RTPReader is the source side of a relay; *webrtc.TrackRemote satisfies it.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay copies RTP from one remote track to any number of OutTracks.
type Relay struct {
	Src RTPReader

	mu        sync.RWMutex
	outTracks map[string]*OutTrack

	packets atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRelay(src RTPReader, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		outTracks: make(map[string]*OutTrack),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop runs until the source fails or ctx is done. A blocked read only
// returns once the source track is closed with its session.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Uint64("packets", r.packets.Load()).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.packets.Add(1)
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("dst", dst).Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dst := range dirty {
		delete(r.outTracks, dst)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(dst string, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[dst] = ot
}

func (r *Relay) outTrack(dst string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[dst]
	return ot, ok
}

// Packets is the number of packets read from the source so far.
func (r *Relay) Packets() uint64 { return r.packets.Load() }

// Done is closed when the loop has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }
