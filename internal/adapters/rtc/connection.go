package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool
	LogLevel    zerolog.Level
}

func DefaultConfig() Config {
	return Config{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
		LogLevel:    zerolog.WarnLevel,
	}
}

func (c Config) WebRTC() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if c.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNServer},
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	cfg := webrtc.Configuration{ICEServers: servers}
	if c.ForceRelay {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

// Factory builds PeerConnections from one shared API (codecs, interceptors, logging).
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(cfg Config) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(cfg.LogLevel)}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: cfg.WebRTC()}, nil
}

// New satisfies core.MediaFactory.
func (f *Factory) New(key domain.SessionKey) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &WebRTCConnection{
		pc:     pc,
		key:    key,
		logger: log.With().Str("module", "webrtc").Str("key", key.String()).Logger(),
	}, nil
}

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	key    domain.SessionKey
	logger zerolog.Logger
	cancel context.CancelFunc

	closeOnce sync.Once

	onICE      func(webrtc.ICECandidateInit)
	onICEState func(webrtc.ICEConnectionState)
	onTrack    func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)

func (c *WebRTCConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
		if c.onICEState != nil {
			c.onICEState(s)
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug().Str("peer_connection_state", s.String()).Msg("Peer state")
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(ctx, track, receiver)
		}
	})

	return nil
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *WebRTCConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddLocalTrack attaches track and drains RTCP for its sender until the
// connection closes; interceptors only see RTCP that is read.
func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (c *WebRTCConnection) AddRecvOnly(kind webrtc.RTPCodecType) error {
	_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *WebRTCConnection) OnICEStateChange(fn func(webrtc.ICEConnectionState)) { c.onICEState = fn }

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

func (c *WebRTCConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if err = c.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			c.logger.Error().Err(err).Msg("close error")
			return
		}
		err = nil
		c.logger.Info().Msg("closed")
	})
	return err
}
