package core

import "context"

// Frame is a raw binary payload.
type Frame []byte

// Link abstracts the signaling transport: one per client, shared by all sessions.
// Owned by the runner; sessions never close or mutate it.
// Handlers must be registered before Start.
type Link interface {
	Send(Message) error
	OnMessage(func(Message))
	OnBinary(func(Frame))
	OnOpen(func())
	OnClose(func(error))
	OnError(func(error))
	Start(ctx context.Context)
	Close()
}

// Dialer opens a fresh Link.
type Dialer func(ctx context.Context) (Link, error)
