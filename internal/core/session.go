package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/streamview/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MediaFactory creates the connection a session negotiates over.
type MediaFactory func(key domain.SessionKey) (MediaConnection, error)

// SessionHooks are the outputs of a session. All hooks are optional and are
// invoked without the session lock held.
type SessionHooks struct {
	// OnLocalCandidate must forward c to the session's remote peer.
	OnLocalCandidate func(s *PeerSession, c webrtc.ICECandidateInit)
	OnStateChange    func(s *PeerSession, from, to SessionState)
	OnTrack          func(ctx context.Context, s *PeerSession, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// SessionInfo is a read-only view for status APIs.
type SessionInfo struct {
	ID        string            `json:"id"`
	Key       domain.SessionKey `json:"key"`
	Remote    domain.PeerID     `json:"remote,omitempty"`
	Role      string            `json:"role"`
	State     SessionState      `json:"state"`
	Pending   int               `json:"pendingCandidates"`
	CreatedAt time.Time         `json:"createdAt"`
	Error     string            `json:"error,omitempty"`
}

// PeerSession is one negotiated connection to one remote peer.
//
// negMu serializes negotiation steps; mu guards state and the candidate
// buffer. Close takes only mu, so it can interrupt a step in flight: the step
// notices the closed state when it resumes and discards its result.
type PeerSession struct {
	id        string
	key       domain.SessionKey
	role      Role
	createdAt time.Time
	newMedia  func() (MediaConnection, error)
	hooks     SessionHooks
	logger    zerolog.Logger

	negMu sync.Mutex

	mu          sync.Mutex
	state       SessionState
	remote      domain.PeerID
	pending     *IceCandidateBuffer
	media       MediaConnection
	mediaClosed bool
	cancel      context.CancelFunc
	err         error
}

func NewPeerSession(key domain.SessionKey, role Role, factory MediaFactory, hooks SessionHooks) *PeerSession {
	id := uuid.NewString()
	logger := log.With().
		Str("module", "core.session").
		Str("session", id).
		Str("key", key.String()).
		Str("role", role.String()).
		Logger()
	return &PeerSession{
		id:        id,
		key:       key,
		role:      role,
		createdAt: time.Now(),
		newMedia:  func() (MediaConnection, error) { return factory(key) },
		hooks:     hooks,
		logger:    logger,
		state:     initialState(role),
		remote:    key.Peer,
		pending:   NewIceCandidateBuffer(logger),
	}
}

func (s *PeerSession) ID() string             { return s.id }
func (s *PeerSession) Key() domain.SessionKey { return s.key }
func (s *PeerSession) Role() Role             { return s.role }

func (s *PeerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the session, if any.
func (s *PeerSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *PeerSession) RemoteID() domain.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// SetRemoteID binds the remote peer once it is known (viewer sessions learn it
// from the ack or the first offer).
func (s *PeerSession) SetRemoteID(p domain.PeerID) {
	if p == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = p
}

func (s *PeerSession) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *PeerSession) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:        s.id,
		Key:       s.key,
		Remote:    s.remote,
		Role:      s.role.String(),
		State:     s.state,
		Pending:   s.pending.Len(),
		CreatedAt: s.createdAt,
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// AttachTracks adds local tracks before the first offer or answer is produced.
func (s *PeerSession) AttachTracks(ctx context.Context, tracks []webrtc.TrackLocal) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()
	if err := s.expect(StateNegotiatingOffer, StateAwaitingOffer, StateOfferReceived); err != nil {
		return err
	}
	media, err := s.ensureMedia(ctx)
	if err != nil {
		return s.Fail(err)
	}
	for _, t := range tracks {
		if _, err := media.AddLocalTrack(t); err != nil {
			return s.Fail(fmt.Errorf("add track %s: %w", t.ID(), err))
		}
	}
	return nil
}

// PrepareReceive adds receive-only transceivers so an offer made by the
// receiving side asks for media.
func (s *PeerSession) PrepareReceive(ctx context.Context, kinds ...webrtc.RTPCodecType) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()
	if err := s.expect(StateNegotiatingOffer); err != nil {
		return err
	}
	media, err := s.ensureMedia(ctx)
	if err != nil {
		return s.Fail(err)
	}
	for _, k := range kinds {
		if err := media.AddRecvOnly(k); err != nil {
			return s.Fail(fmt.Errorf("add %s transceiver: %w", k, err))
		}
	}
	return nil
}

// CreateOffer creates and applies the local offer. The caller transmits it
// and then calls MarkOfferSent.
func (s *PeerSession) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	if err := s.expect(StateNegotiatingOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	media, err := s.ensureMedia(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, s.Fail(err)
	}
	offer, err := media.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, s.Fail(fmt.Errorf("create offer: %w", err))
	}
	if err := s.resume(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := media.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, s.Fail(fmt.Errorf("set local offer: %w", err))
	}
	if err := s.transition(StateOfferSent, StateNegotiatingOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// MarkOfferSent records that the offer left over the signaling link.
// The answer may already have been applied; that is not an error.
func (s *PeerSession) MarkOfferSent() {
	_ = s.transition(StateAnswerPending, StateOfferSent)
}

// ApplyRemoteOffer applies the remote offer, replays buffered candidates and
// returns the local answer for transmission.
func (s *PeerSession) ApplyRemoteOffer(ctx context.Context, sdp string) (webrtc.SessionDescription, error) {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	if err := s.transition(StateOfferReceived, StateAwaitingOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	media, err := s.ensureMedia(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, s.Fail(err)
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := media.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, s.Fail(fmt.Errorf("set remote offer: %w", err))
	}
	if err := s.remoteApplied(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := media.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, s.Fail(fmt.Errorf("create answer: %w", err))
	}
	if err := s.resume(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := media.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, s.Fail(fmt.Errorf("set local answer: %w", err))
	}
	if err := s.transition(StateAnswerSent, StateOfferReceived); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// ApplyRemoteAnswer completes an offer this session made.
func (s *PeerSession) ApplyRemoteAnswer(ctx context.Context, sdp string) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	if err := s.expect(StateOfferSent, StateAnswerPending); err != nil {
		return err
	}
	s.mu.Lock()
	media := s.media
	s.mu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := media.SetRemoteDescription(answer); err != nil {
		return s.Fail(fmt.Errorf("set remote answer: %w", err))
	}
	if err := s.remoteApplied(); err != nil {
		return err
	}
	return s.transition(StateConnected, StateOfferSent, StateAnswerPending)
}

// AddRemoteCandidate applies c now if the remote description is set, or
// queues it until it is.
func (s *PeerSession) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	if !s.pending.IsReady() || s.media == nil {
		s.pending.Enqueue(c)
		return nil
	}
	if err := s.media.AddICECandidate(c); err != nil {
		s.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("add remote candidate")
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// Fail moves the session to failed and releases its connection. It returns err
// so negotiation steps can `return s.Fail(err)`.
func (s *PeerSession) Fail(err error) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		if errors.Is(err, ErrSessionClosed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	from := s.state
	s.state = StateFailed
	s.err = err
	media := s.releaseLocked()
	s.mu.Unlock()

	s.logger.Warn().Err(err).Str("from", from.String()).Msg("session failed")
	s.closeMedia(media)
	s.notify(from, StateFailed)
	return err
}

// Close is idempotent and valid from any state.
func (s *PeerSession) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateClosed
	media := s.releaseLocked()
	s.mu.Unlock()

	s.closeMedia(media)
	s.logger.Info().Str("from", from.String()).Msg("session closed")
	s.notify(from, StateClosed)
}

func (s *PeerSession) ensureMedia(ctx context.Context) (MediaConnection, error) {
	s.mu.Lock()
	if s.media != nil {
		m := s.media
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()

	media, err := s.newMedia()
	if err != nil {
		return nil, fmt.Errorf("new media connection: %w", err)
	}
	media.OnICECandidate(s.onLocalCandidate)
	media.OnICEStateChange(s.onICEState)
	media.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if s.hooks.OnTrack != nil && !s.State().Terminal() {
			s.hooks.OnTrack(trackCtx, s, track, receiver)
		}
	})

	mediaCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := media.Start(mediaCtx); err != nil {
		cancel()
		_ = media.Close()
		return nil, fmt.Errorf("start media connection: %w", err)
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		cancel()
		_ = media.Close()
		return nil, ErrSessionClosed
	}
	s.media = media
	s.cancel = cancel
	s.mu.Unlock()
	return media, nil
}

func (s *PeerSession) onLocalCandidate(c webrtc.ICECandidateInit) {
	if s.hooks.OnLocalCandidate == nil || s.State().Terminal() {
		return
	}
	s.hooks.OnLocalCandidate(s, c)
}

func (s *PeerSession) onICEState(st webrtc.ICEConnectionState) {
	s.logger.Info().Str("ice_state", st.String()).Msg("ICE state")
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		_ = s.transition(StateConnected, StateAnswerSent, StateAnswerPending, StateOfferSent)
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		_ = s.Fail(fmt.Errorf("ice %s", st))
	}
}

// remoteApplied marks the buffer ready and replays it under the session lock,
// so a candidate racing in is either flushed with the queue or applied after it.
func (s *PeerSession) remoteApplied() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	s.pending.MarkReady()
	s.pending.Flush(s.media.AddICECandidate)
	return nil
}

// resume is checked after every step that may have taken a while.
func (s *PeerSession) resume(ctx context.Context) error {
	if s.State().Terminal() {
		s.logger.Debug().Msg("discarding result of step finished after close")
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return s.Fail(err)
	}
	return nil
}

func (s *PeerSession) expect(allowed ...SessionState) error {
	st := s.State()
	if st.Terminal() {
		return ErrSessionClosed
	}
	for _, a := range allowed {
		if st == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, s.role, st)
}

func (s *PeerSession) transition(to SessionState, from ...SessionState) error {
	s.mu.Lock()
	cur := s.state
	if cur.Terminal() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	ok := false
	for _, f := range from {
		if cur == f {
			ok = true
			break
		}
	}
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Debug().Str("from", cur.String()).Str("to", to.String()).Msg("state")
	s.notify(cur, to)
	return nil
}

func (s *PeerSession) releaseLocked() MediaConnection {
	if s.cancel != nil {
		s.cancel()
	}
	if s.mediaClosed || s.media == nil {
		return nil
	}
	s.mediaClosed = true
	return s.media
}

func (s *PeerSession) closeMedia(media MediaConnection) {
	if media == nil {
		return
	}
	if err := media.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close media")
	}
}

func (s *PeerSession) notify(from, to SessionState) {
	if s.hooks.OnStateChange != nil {
		s.hooks.OnStateChange(s, from, to)
	}
}
