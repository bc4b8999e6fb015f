// Package domain contains entity without logic, just meta-data
package domain

type ChannelID string

// Channel is a server-advertised stream as seen by this client.
type Channel struct {
	ID          ChannelID      `json:"id"`
	Active      bool           `json:"active"`
	ViewerCount int            `json:"viewerCount"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ChannelUpdate is a partial Channel. Nil fields are left untouched.
type ChannelUpdate struct {
	ID          ChannelID
	Active      *bool
	ViewerCount *int
	Metadata    map[string]any
}

// NewChannel avoids raw literals in adapters and keeps construction obvious.
func NewChannel(id ChannelID) Channel {
	return Channel{ID: id, Active: true}
}

// Clone returns a copy that shares nothing mutable with c.
func (c Channel) Clone() Channel {
	out := c
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
