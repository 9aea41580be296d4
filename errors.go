package packetio

import "errors"

var (
	// ErrEndOfStream is returned when a read needs more bytes than will ever become available.
	ErrEndOfStream = errors.New("unexpected end of stream")

	// ErrClosedForWrite is returned by writes to a channel closed without a cause.
	ErrClosedForWrite = errors.New("channel closed for write")

	ErrInvalidConfig = errors.New("invalid config")
)
