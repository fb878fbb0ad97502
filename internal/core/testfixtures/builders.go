// Package testfixtures builds event records for tests.
package testfixtures

import (
	"encoding/json"
	"fmt"
	"time"

	"kilometers.ai/stream/internal/core/event"
	"kilometers.ai/stream/internal/jsonrpc"
)

// RecordBuilder provides a builder pattern for creating test records. It
// renders a wire payload and runs it through event.Parse, so built records
// look exactly like received ones.
type RecordBuilder struct {
	fields     map[string]any
	receivedAt time.Time
}

// NewRecordBuilder creates a builder for an inbound "test/method" request.
func NewRecordBuilder() *RecordBuilder {
	return &RecordBuilder{
		fields:     jsonrpc.Request(1, "test/method", nil),
		receivedAt: time.Unix(1700000000, 0),
	}
}

// WithID sets the record id.
func (b *RecordBuilder) WithID(id string) *RecordBuilder {
	b.fields["id"] = id
	return b
}

// WithMethod sets the event method
func (b *RecordBuilder) WithMethod(method string) *RecordBuilder {
	b.fields["method"] = method
	return b
}

// WithDirection sets the event direction
func (b *RecordBuilder) WithDirection(direction event.Direction) *RecordBuilder {
	b.fields["direction"] = string(direction)
	return b
}

// WithRiskScore sets the producer risk score
func (b *RecordBuilder) WithRiskScore(score int) *RecordBuilder {
	b.fields["risk_score"] = score
	return b
}

// WithHighRisk sets a high risk score (80)
func (b *RecordBuilder) WithHighRisk() *RecordBuilder {
	return b.WithRiskScore(80)
}

// WithParams sets the JSON-RPC params member.
func (b *RecordBuilder) WithParams(params any) *RecordBuilder {
	b.fields["params"] = params
	return b
}

// WithSession sets the session_id field.
func (b *RecordBuilder) WithSession(session string) *RecordBuilder {
	b.fields["session_id"] = session
	return b
}

// WithTimestamp sets the producer timestamp.
func (b *RecordBuilder) WithTimestamp(ts time.Time) *RecordBuilder {
	b.fields["timestamp"] = ts.UTC().Format(time.RFC3339Nano)
	return b
}

// WithReceivedAt sets the receive time passed to event.Parse.
func (b *RecordBuilder) WithReceivedAt(ts time.Time) *RecordBuilder {
	b.receivedAt = ts
	return b
}

// Payload returns the wire form of the record.
func (b *RecordBuilder) Payload() []byte {
	data, err := json.Marshal(b.fields)
	if err != nil {
		panic(fmt.Sprintf("testfixtures: cannot marshal record: %v", err))
	}
	return data
}

// Build parses the payload. It panics on invalid input, which means the
// test itself is wrong.
func (b *RecordBuilder) Build() *event.Record {
	rec, err := event.Parse(b.Payload(), b.receivedAt)
	if err != nil {
		panic(fmt.Sprintf("testfixtures: %v", err))
	}
	return rec
}

// Records builds one record per method, in order.
func Records(methods ...string) []*event.Record {
	out := make([]*event.Record, 0, len(methods))
	for i, m := range methods {
		out = append(out, NewRecordBuilder().WithID(fmt.Sprintf("evt-%d", i)).WithMethod(m).Build())
	}
	return out
}
