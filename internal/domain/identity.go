package domain

import "time"

type ClientID string

// ClientIdentity is the id the signaling server assigned to this client.
// It is only valid for the link it arrived on.
type ClientIdentity struct {
	ID         ClientID  `json:"id"`
	AssignedAt time.Time `json:"assignedAt"`
}

func (i ClientIdentity) Valid() bool { return i.ID != "" }
