package domain

type PeerID string

// SessionKey identifies one negotiation. Viewer-side sessions leave Peer empty:
// a viewer has at most one upstream per channel.
type SessionKey struct {
	Peer    PeerID    `json:"peer,omitempty"`
	Channel ChannelID `json:"channel,omitempty"`
}

func ViewerKey(ch ChannelID) SessionKey { return SessionKey{Channel: ch} }

func PublisherKey(viewer PeerID, ch ChannelID) SessionKey {
	return SessionKey{Peer: viewer, Channel: ch}
}

func (k SessionKey) String() string {
	switch {
	case k.Peer == "":
		return string(k.Channel)
	case k.Channel == "":
		return string(k.Peer)
	default:
		return string(k.Peer) + "/" + string(k.Channel)
	}
}
