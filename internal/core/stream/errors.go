package stream

import (
	"errors"
	"fmt"
)

// ErrAttemptsExhausted is wrapped by the error reported once automatic
// reconnection gives up.
var ErrAttemptsExhausted = errors.New("max reconnection attempts exceeded")

// Kind classifies a client error.
type Kind int

const (
	// KindParse is a message payload that is not a valid event record.
	// The connection is kept.
	KindParse Kind = iota + 1
	// KindTransport is an error reported by the connection handle.
	KindTransport
	// KindAcquisition is a failure to create the connection handle.
	KindAcquisition
	// KindAttemptsExhausted means no further automatic retries happen.
	KindAttemptsExhausted
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindTransport:
		return "transport"
	case KindAcquisition:
		return "acquisition"
	case KindAttemptsExhausted:
		return "attempts_exhausted"
	default:
		return "unknown"
	}
}

// Error is the error state exposed through Snapshot and the OnError hook.
type Error struct {
	Kind Kind
	Err  error

	// Attempts is the retry cap, set for KindAttemptsExhausted.
	Attempts int
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindParse:
		return e.Err.Error()
	case KindTransport:
		return fmt.Sprintf("connection error occurred: %v", e.Err)
	case KindAcquisition:
		return fmt.Sprintf("failed to establish connection: %v", e.Err)
	case KindAttemptsExhausted:
		return fmt.Sprintf("max reconnection attempts (%d) exceeded", e.Attempts)
	default:
		return fmt.Sprintf("stream error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func exhaustedError(max int) *Error {
	return &Error{Kind: KindAttemptsExhausted, Err: ErrAttemptsExhausted, Attempts: max}
}
