package core

import "errors"

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrBackpressure       = errors.New("backpressure")
	ErrLinkClosed         = errors.New("link closed")
	ErrNoLink             = errors.New("no signaling link")

	ErrDuplicateSession  = errors.New("session already exists")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSubscriptionLimit = errors.New("subscription limit reached")
	ErrNotPublished      = errors.New("channel not published")
)
