package app

import "errors"

var (
	ErrUnannouncedFrame  = errors.New("binary frame without preceding metadata")
	ErrFrameSizeMismatch = errors.New("frame size does not match metadata")
	ErrAmbiguousFrame    = errors.New("frame follows overwritten metadata")
	ErrMalformedFrame    = errors.New("malformed tagged frame")
	ErrUndecodableFrame  = errors.New("frame is not a decodable image")

	ErrBusClosed          = errors.New("frame bus closed")
	ErrSubscriberExists   = errors.New("subscriber already exists")
	ErrSubscriberNotFound = errors.New("subscriber not found")
)
