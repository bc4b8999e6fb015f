package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

//go:generate mockgen -source=media_iface.go -destination=mocks/media_mock.go -package=mocks

// MediaConnection is the opaque handle a PeerSession negotiates over.
// It is never shared outside the session that owns it.
type MediaConnection interface {
	// Start binds the connection lifetime to ctx. Callbacks must be set before.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close() error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// AddRecvOnly adds a receive-only transceiver, used when the receiving side offers.
	AddRecvOnly(kind webrtc.RTPCodecType) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnICEStateChange(func(webrtc.ICEConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
}
