package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventID is a value object representing a unique event identifier
type EventID struct {
	value string
}

// NewEventID creates a new EventID with validation
func NewEventID(value string) (EventID, error) {
	if value == "" {
		return EventID{}, fmt.Errorf("event ID cannot be empty")
	}
	return EventID{value: value}, nil
}

// GenerateEventID creates a new unique EventID
func GenerateEventID() EventID {
	return EventID{value: uuid.NewString()}
}

// Value returns the string value of the EventID
func (e EventID) Value() string {
	return e.value
}

// String implements the Stringer interface
func (e EventID) String() string {
	return e.value
}

// Direction represents the direction of an MCP message
type Direction string

const (
	DirectionUnknown  Direction = ""
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// NewDirection creates a Direction with validation
func NewDirection(value string) (Direction, error) {
	switch value {
	case "inbound", "request":
		return DirectionInbound, nil
	case "outbound", "response":
		return DirectionOutbound, nil
	default:
		return DirectionUnknown, fmt.Errorf("invalid direction: %s", value)
	}
}

// String returns the string representation of Direction
func (d Direction) String() string {
	return string(d)
}

// Method represents an MCP method name
type Method struct {
	value string
}

// NewMethod creates a Method with validation
func NewMethod(value string) (Method, error) {
	if value == "" {
		return Method{}, fmt.Errorf("method cannot be empty")
	}
	return Method{value: value}, nil
}

// Value returns the string value of the Method
func (m Method) Value() string {
	return m.value
}

// String implements the Stringer interface
func (m Method) String() string {
	return m.value
}

// RiskScore represents the risk assessment score for an event
type RiskScore struct {
	value int
}

// NewRiskScore creates a RiskScore with validation
func NewRiskScore(value int) (RiskScore, error) {
	if value < 0 || value > 100 {
		return RiskScore{}, fmt.Errorf("risk score must be between 0 and 100, got %d", value)
	}
	return RiskScore{value: value}, nil
}

// Value returns the integer value of the RiskScore
func (r RiskScore) Value() int {
	return r.value
}

// Level returns the risk level based on the score
func (r RiskScore) Level() string {
	switch {
	case r.value >= 75:
		return "high"
	case r.value >= 35:
		return "medium"
	default:
		return "low"
	}
}

// IsHigh returns true if the risk score is high (>= 75)
func (r RiskScore) IsHigh() bool {
	return r.value >= 75
}

// Record is one event received from the stream. The raw JSON object is
// kept as delivered; the MCP fields are extracted on a best-effort basis.
type Record struct {
	id         EventID
	sessionID  string
	receivedAt time.Time
	timestamp  time.Time
	direction  Direction
	method     Method
	riskScore  *RiskScore
	raw        json.RawMessage
	fieldErrs  []error
}

// ID returns the event ID. Records without an "id" field get a generated one.
func (r *Record) ID() EventID {
	return r.id
}

// SessionID returns the "session_id" field, if the producer set one.
func (r *Record) SessionID() string {
	return r.sessionID
}

// ReceivedAt returns the local time the record was parsed.
func (r *Record) ReceivedAt() time.Time {
	return r.receivedAt
}

// Timestamp returns the producer timestamp, or the receive time when absent.
func (r *Record) Timestamp() time.Time {
	return r.timestamp
}

// Direction returns the message direction, DirectionUnknown when absent.
func (r *Record) Direction() Direction {
	return r.direction
}

// Method returns the MCP method; its value is empty when absent.
func (r *Record) Method() Method {
	return r.method
}

// RiskScore returns the producer-assigned risk score and whether one was set.
func (r *Record) RiskScore() (RiskScore, bool) {
	if r.riskScore == nil {
		return RiskScore{}, false
	}
	return *r.riskScore, true
}

// Raw returns a copy of the JSON object as received.
func (r *Record) Raw() json.RawMessage {
	raw := make(json.RawMessage, len(r.raw))
	copy(raw, r.raw)
	return raw
}

// FieldErrors lists the known fields that were present but skipped.
func (r *Record) FieldErrors() []error {
	return r.fieldErrs
}

// Size returns the size of the raw payload in bytes
func (r *Record) Size() int {
	return len(r.raw)
}

// IsInbound returns true if the event is inbound
func (r *Record) IsInbound() bool {
	return r.direction == DirectionInbound
}

// String returns a string representation of the record
func (r *Record) String() string {
	return fmt.Sprintf("Record{ID: %s, Method: %s, Direction: %s, Size: %d}",
		r.id.Value(),
		r.method.Value(),
		r.direction.String(),
		len(r.raw),
	)
}
