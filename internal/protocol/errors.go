package protocol

import "errors"

var (
	// ErrMalformed is returned for messages that cannot be decoded.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is returned for control messages with an unrecognised type.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrEmptyFrame is returned for a binary message with no bytes.
	ErrEmptyFrame = errors.New("protocol: empty frame")
)
