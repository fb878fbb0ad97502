package stream

import "kilometers.ai/stream/internal/core/event"

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Mode tells whether the client may reconnect on its own. A manual
// disconnect switches to ModeManual; StateReconnecting is only entered in
// ModeAuto.
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "auto"
}

// Snapshot is a read-only view of the client at one point in time.
type Snapshot struct {
	SessionID      string
	State          State
	Mode           Mode
	Events         []*event.Record
	Err            *Error
	ReconnectCount int

	// Version increases with every published change.
	Version uint64
}

// IsConnected reports whether the stream is open.
func (s Snapshot) IsConnected() bool {
	return s.State == StateConnected
}

// IsReconnecting reports whether a retry is scheduled.
func (s Snapshot) IsReconnecting() bool {
	return s.State == StateReconnecting
}

// ErrorMessage returns the last error as text, or "" when there is none.
func (s Snapshot) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
