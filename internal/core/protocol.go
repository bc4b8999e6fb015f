package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/streamview/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeWelcome           MessageType = "welcome"
	TypeCreateStream      MessageType = "create-stream"
	TypeStreamCreated     MessageType = "stream-created"
	TypeViewerJoined      MessageType = "viewer-joined"
	TypeViewerLeft        MessageType = "viewer-left"
	TypeJoinStream        MessageType = "join-stream"
	TypeLeaveStream       MessageType = "leave-stream"
	TypeViewerSubscribe   MessageType = "viewer-subscribe"
	TypeViewerUnsubscribe MessageType = "viewer-unsubscribe"
	TypeStreamJoined      MessageType = "stream-joined"
	TypeSubscribeAck      MessageType = "subscribe-ack"
	TypeSubscribeError    MessageType = "subscribe-error"
	TypeOffer             MessageType = "offer"
	TypeAnswer            MessageType = "answer"
	TypeICECandidate      MessageType = "ice-candidate"
	TypeCandidate         MessageType = "candidate"
	TypeListStreams       MessageType = "list-streams"
	TypeListChannels      MessageType = "list-channels"
	TypeStreamsList       MessageType = "streams-list"
	TypeChannelsList      MessageType = "channels-list"
	TypeStreamAdded       MessageType = "stream-added"
	TypeStreamRemoved     MessageType = "stream-removed"
	TypeChannelAdded      MessageType = "channel-added"
	TypeChannelRemoved    MessageType = "channel-removed"
	TypeUnityDisconnected MessageType = "unity-disconnected"
	TypeViewerCount       MessageType = "viewer-count"
	TypeChannelActive     MessageType = "channel-active"
	TypeFrameMetadata     MessageType = "frame-metadata"
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
)

var knownTypes = map[MessageType]struct{}{
	TypeWelcome: {}, TypeCreateStream: {}, TypeStreamCreated: {},
	TypeViewerJoined: {}, TypeViewerLeft: {},
	TypeJoinStream: {}, TypeLeaveStream: {}, TypeViewerSubscribe: {}, TypeViewerUnsubscribe: {},
	TypeStreamJoined: {}, TypeSubscribeAck: {}, TypeSubscribeError: {},
	TypeOffer: {}, TypeAnswer: {}, TypeICECandidate: {}, TypeCandidate: {},
	TypeListStreams: {}, TypeListChannels: {}, TypeStreamsList: {}, TypeChannelsList: {},
	TypeStreamAdded: {}, TypeStreamRemoved: {}, TypeChannelAdded: {}, TypeChannelRemoved: {},
	TypeUnityDisconnected: {}, TypeViewerCount: {}, TypeChannelActive: {},
	TypeFrameMetadata: {}, TypePing: {}, TypePong: {},
}

func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// SDP is a session description body. On the wire it is either a plain string
// or an RTCSessionDescription-shaped object.
type SDP string

func (s *SDP) UnmarshalJSON(b []byte) error {
	var plain string
	if err := json.Unmarshal(b, &plain); err == nil {
		*s = SDP(plain)
		return nil
	}
	var desc struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(b, &desc); err != nil {
		return fmt.Errorf("sdp: %w", err)
	}
	*s = SDP(desc.SDP)
	return nil
}

// CatalogEntry is one element of a catalog snapshot: a bare id or a channel object.
type CatalogEntry struct {
	domain.Channel
}

func (e *CatalogEntry) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		e.Channel = domain.NewChannel(domain.ChannelID(id))
		return nil
	}
	var raw struct {
		ID          domain.ChannelID `json:"id"`
		StreamID    domain.ChannelID `json:"streamId"`
		ChannelID   domain.ChannelID `json:"channelId"`
		Active      *bool            `json:"active"`
		ViewerCount int              `json:"viewerCount"`
		Metadata    map[string]any   `json:"metadata"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("catalog entry: %w", err)
	}
	id = string(firstChannel(raw.ID, raw.ChannelID, raw.StreamID))
	if id == "" {
		return fmt.Errorf("catalog entry: missing id")
	}
	e.Channel = domain.NewChannel(domain.ChannelID(id))
	if raw.Active != nil {
		e.Active = *raw.Active
	}
	e.ViewerCount = raw.ViewerCount
	e.Metadata = raw.Metadata
	return nil
}

func (e CatalogEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Channel)
}

// Message is the signaling envelope. Type selects which fields are meaningful.
type Message struct {
	Type             MessageType              `json:"type"`
	ClientID         domain.ClientID          `json:"clientId,omitempty"`
	StreamID         domain.ChannelID         `json:"streamId,omitempty"`
	ChannelID        domain.ChannelID         `json:"channelId,omitempty"`
	ViewerID         domain.PeerID            `json:"viewerId,omitempty"`
	ViewerCount      *int                     `json:"viewerCount,omitempty"`
	BroadcasterID    domain.PeerID            `json:"broadcasterId,omitempty"`
	SenderID         domain.PeerID            `json:"senderId,omitempty"`
	TargetID         domain.PeerID            `json:"targetId,omitempty"`
	SDP              SDP                      `json:"sdp,omitempty"`
	Candidate        *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Active           *bool                    `json:"active,omitempty"`
	Metadata         map[string]any           `json:"metadata,omitempty"`
	AvailableStreams []CatalogEntry           `json:"availableStreams,omitempty"`
	Streams          []CatalogEntry           `json:"streams,omitempty"`
	Channels         []CatalogEntry           `json:"channels,omitempty"`
	Error            string                   `json:"error,omitempty"`
	FrameSize        int                      `json:"frameSize,omitempty"`
	Timestamp        int64                    `json:"timestamp,omitempty"`
}

// Channel resolves the channelId|streamId alias.
func (m Message) Channel() domain.ChannelID {
	return firstChannel(m.ChannelID, m.StreamID)
}

// Peer is the remote end a message came from or is addressed to.
func (m Message) Peer() domain.PeerID {
	if m.SenderID != "" {
		return m.SenderID
	}
	if m.TargetID != "" {
		return m.TargetID
	}
	return m.ViewerID
}

// Catalog resolves channels|streams|availableStreams. ok is false when the
// message carries no catalog at all, so an explicit empty list stays distinguishable.
func (m Message) Catalog() (channels []domain.Channel, ok bool) {
	var src []CatalogEntry
	switch {
	case m.Channels != nil:
		src = m.Channels
	case m.Streams != nil:
		src = m.Streams
	case m.AvailableStreams != nil:
		src = m.AvailableStreams
	default:
		return nil, false
	}
	out := make([]domain.Channel, 0, len(src))
	for _, e := range src {
		out = append(out, e.Channel)
	}
	return out, true
}

// Validate checks the fields a variant cannot do without.
func (m Message) Validate() error {
	if !m.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidMessage, m.Type)
		}
	case TypeICECandidate, TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: %s without candidate", ErrInvalidMessage, m.Type)
		}
	case TypeJoinStream, TypeLeaveStream, TypeViewerSubscribe, TypeViewerUnsubscribe, TypeFrameMetadata:
		if m.Channel() == "" {
			return fmt.Errorf("%w: %s without channel", ErrInvalidMessage, m.Type)
		}
	}
	return nil
}

func firstChannel(ids ...domain.ChannelID) domain.ChannelID {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return ""
}

// Dialect selects which message names this client speaks when it initiates.
// Inbound handling always accepts both.
type Dialect string

const (
	DialectChannel Dialect = "channel"
	DialectStream  Dialect = "stream"
)

func (d Dialect) withChannel(t MessageType, ch domain.ChannelID) Message {
	if d == DialectStream {
		return Message{Type: t, StreamID: ch}
	}
	return Message{Type: t, ChannelID: ch}
}

func (d Dialect) Subscribe(ch domain.ChannelID) Message {
	if d == DialectStream {
		return d.withChannel(TypeJoinStream, ch)
	}
	return d.withChannel(TypeViewerSubscribe, ch)
}

func (d Dialect) Unsubscribe(ch domain.ChannelID) Message {
	if d == DialectStream {
		return d.withChannel(TypeLeaveStream, ch)
	}
	return d.withChannel(TypeViewerUnsubscribe, ch)
}

// Unpublish is sent when a broadcaster stops serving one of its streams.
func (d Dialect) Unpublish(ch domain.ChannelID) Message {
	return Message{Type: TypeLeaveStream, StreamID: ch}
}

func (d Dialect) ListCatalog() Message {
	if d == DialectStream {
		return Message{Type: TypeListStreams}
	}
	return Message{Type: TypeListChannels}
}

func (d Dialect) Offer(target domain.PeerID, ch domain.ChannelID, sdp string) Message {
	m := d.withChannel(TypeOffer, ch)
	m.TargetID, m.SDP = target, SDP(sdp)
	return m
}

func (d Dialect) Answer(target domain.PeerID, ch domain.ChannelID, sdp string) Message {
	m := d.withChannel(TypeAnswer, ch)
	m.TargetID, m.SDP = target, SDP(sdp)
	return m
}

func (d Dialect) Candidate(target domain.PeerID, ch domain.ChannelID, c webrtc.ICECandidateInit) Message {
	t := TypeCandidate
	if d == DialectStream {
		t = TypeICECandidate
	}
	m := d.withChannel(t, ch)
	m.TargetID, m.Candidate = target, &c
	return m
}
