package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// RTPWriter is the sink side of a relay; *webrtc.TrackLocalStaticRTP satisfies it.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack is one destination of a relay.
type OutTrack struct {
	Track RTPWriter
	state atomic.Int32
}

func NewOutTrack(track RTPWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk()     { ot.state.Store(int32(TrackStateOk)) }
func (ot *OutTrack) MarkMuted()  { ot.state.Store(int32(TrackStateMuted)) }
func (ot *OutTrack) MarkDelete() { ot.state.Store(int32(TrackStateDelete)) }
