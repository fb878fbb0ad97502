package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const previewLimit = 64

// ParseError reports a stream payload that is not a usable event record.
type ParseError struct {
	Preview string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse event data %q: %v", e.Preview, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var errNotObject = errors.New("event record must be a JSON object")

// wireRecord holds the optional MCP fields a producer may set. Each field
// is decoded on its own so one bad value cannot reject the record.
type wireRecord struct {
	ID        json.RawMessage `json:"id"`
	SessionID json.RawMessage `json:"session_id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Direction json.RawMessage `json:"direction"`
	Method    json.RawMessage `json:"method"`
	RiskScore json.RawMessage `json:"risk_score"`
}

// FieldError reports a known field that was present but unusable. The
// record is kept and the field is left at its zero value.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Parse decodes one stream payload into a Record. Only payloads that are not
// a JSON object fail. Known fields with the wrong type or value are skipped
// and listed by Record.FieldErrors.
func Parse(data []byte, now time.Time) (*Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, newParseError(data, errNotObject)
	}

	var w wireRecord
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, newParseError(data, err)
	}

	rec := &Record{
		receivedAt: now,
		timestamp:  now,
		raw:        append(json.RawMessage(nil), trimmed...),
	}
	skip := func(field string, err error) {
		rec.fieldErrs = append(rec.fieldErrs, &FieldError{Field: field, Err: err})
	}

	id, err := parseID(w.ID)
	if err != nil {
		skip("id", err)
	}
	if id != "" {
		rec.id = EventID{value: id}
	} else {
		rec.id = GenerateEventID()
	}

	if present(w.SessionID) {
		if s, err := parseString(w.SessionID); err != nil {
			skip("session_id", err)
		} else {
			rec.sessionID = s
		}
	}

	if present(w.Timestamp) {
		if ts, err := parseTimestamp(w.Timestamp); err != nil {
			skip("timestamp", err)
		} else {
			rec.timestamp = ts
		}
	}

	if present(w.Direction) {
		s, err := parseString(w.Direction)
		if err == nil && s != "" {
			var dir Direction
			if dir, err = NewDirection(s); err == nil {
				rec.direction = dir
			}
		}
		if err != nil {
			skip("direction", err)
		}
	}

	if present(w.Method) {
		if s, err := parseString(w.Method); err != nil {
			skip("method", err)
		} else {
			rec.method = Method{value: s}
		}
	}

	if present(w.RiskScore) {
		var n int
		err := json.Unmarshal(w.RiskScore, &n)
		if err == nil {
			var score RiskScore
			if score, err = NewRiskScore(n); err == nil {
				rec.riskScore = &score
			}
		}
		if err != nil {
			skip("risk_score", err)
		}
	}

	return rec, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func parseString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected a string, got %s", string(raw))
	}
	return s, nil
}

// parseID accepts a string or a number, the two id forms JSON-RPC allows.
func parseID(raw json.RawMessage) (string, error) {
	if !present(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("invalid id: %s", string(raw))
}

// parseTimestamp accepts RFC 3339 strings and unix milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		return ts, nil
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %s", string(raw))
	}
	return time.UnixMilli(ms), nil
}

func newParseError(data []byte, err error) *ParseError {
	preview := string(data)
	if len(preview) > previewLimit {
		preview = preview[:previewLimit] + "..."
	}
	return &ParseError{Preview: preview, Err: err}
}
