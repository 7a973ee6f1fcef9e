package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("blockserve: not found")
	ErrInvalidInput = errors.New("blockserve: invalid input")
	ErrTooLarge     = errors.New("blockserve: too large")
	ErrClosed       = errors.New("blockserve: closed")

	// ErrFormat marks bytes that do not follow the archive or wire layout.
	ErrFormat = errors.New("blockserve: malformed data")
	// ErrTruncated is a FormatFault raised when a stream ends inside a frame.
	ErrTruncated = fmt.Errorf("%w: truncated", ErrFormat)
	// ErrIntegrity marks a payload whose digest does not match its address.
	ErrIntegrity = errors.New("blockserve: integrity check failed")
	// ErrIndex marks an unusable embedded index. Callers fall back to scanning.
	ErrIndex = errors.New("blockserve: bad index")
	// ErrProtocol marks a malformed or oversized peer message.
	ErrProtocol        = errors.New("blockserve: protocol violation")
	ErrUnsupportedHash = errors.New("blockserve: unsupported hash function")

	// ErrShortBuffer is returned by prefix decoders when more bytes are needed.
	ErrShortBuffer = errors.New("blockserve: short buffer")
)
