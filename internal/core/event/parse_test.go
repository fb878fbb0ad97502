package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var receivedAt = time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

func TestParse_FullMCPRecord(t *testing.T) {
	payload := `{"id":"evt-1","session_id":"s1","timestamp":"2025-03-14T15:00:00Z",` +
		`"direction":"outbound","method":"tools/call","risk_score":80,"payload":{"name":"read_file"}}`

	rec, err := Parse([]byte(payload), receivedAt)
	require.NoError(t, err)

	assert.Equal(t, "evt-1", rec.ID().Value())
	assert.Equal(t, "s1", rec.SessionID())
	assert.Equal(t, time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC), rec.Timestamp())
	assert.Equal(t, receivedAt, rec.ReceivedAt())
	assert.Equal(t, DirectionOutbound, rec.Direction())
	assert.Equal(t, "tools/call", rec.Method().Value())
	score, ok := rec.RiskScore()
	require.True(t, ok)
	assert.Equal(t, 80, score.Value())
	assert.JSONEq(t, payload, string(rec.Raw()))
	assert.Equal(t, len(payload), rec.Size())
}

func TestParse_MinimalRecordGetsDefaults(t *testing.T) {
	rec, err := Parse([]byte(`  {"a":1}  `), receivedAt)
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID().Value(), "missing id should be generated")
	assert.Equal(t, receivedAt, rec.Timestamp(), "missing timestamp should default to receive time")
	assert.Equal(t, DirectionUnknown, rec.Direction())
	assert.Empty(t, rec.Method().Value())
	_, ok := rec.RiskScore()
	assert.False(t, ok)
	assert.Equal(t, `{"a":1}`, string(rec.Raw()))
	assert.Empty(t, rec.FieldErrors())
}

func TestParse_NumericID(t *testing.T) {
	rec, err := Parse([]byte(`{"jsonrpc":"2.0","id":42,"method":"tools/list"}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, "42", rec.ID().Value())
}

func TestParse_UnixMillisTimestamp(t *testing.T) {
	rec, err := Parse([]byte(`{"timestamp":1700000000000}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000), rec.Timestamp())
}

func TestParse_RejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "Empty", payload: ""},
		{name: "NotJSON", payload: "hello"},
		{name: "Truncated", payload: `{"method":"tools/call"`},
		{name: "Array", payload: `[1,2,3]`},
		{name: "Null", payload: `null`},
		{name: "String", payload: `"event"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse([]byte(tt.payload), receivedAt)
			require.Error(t, err)
			assert.Nil(t, rec)

			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr), "error should be a *ParseError")
			assert.Contains(t, err.Error(), "failed to parse event data")
		})
	}
}

func TestParse_MalformedFieldsKeepRecord(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		field   string
		check   func(t *testing.T, rec *Record)
	}{
		{name: "MethodWrongType", payload: `{"method":42}`, field: "method", check: func(t *testing.T, rec *Record) {
			assert.Empty(t, rec.Method().Value())
		}},
		{name: "IDWrongType", payload: `{"id":{"n":1}}`, field: "id", check: func(t *testing.T, rec *Record) {
			assert.NotEmpty(t, rec.ID().Value(), "an unusable id is replaced with a generated one")
		}},
		{name: "BadDirection", payload: `{"direction":"sideways"}`, field: "direction", check: func(t *testing.T, rec *Record) {
			assert.Equal(t, DirectionUnknown, rec.Direction())
		}},
		{name: "DirectionWrongType", payload: `{"direction":1}`, field: "direction", check: func(t *testing.T, rec *Record) {
			assert.Equal(t, DirectionUnknown, rec.Direction())
		}},
		{name: "RiskOutOfRange", payload: `{"risk_score":150}`, field: "risk_score", check: func(t *testing.T, rec *Record) {
			_, ok := rec.RiskScore()
			assert.False(t, ok)
		}},
		{name: "RiskWrongType", payload: `{"risk_score":"high"}`, field: "risk_score", check: func(t *testing.T, rec *Record) {
			_, ok := rec.RiskScore()
			assert.False(t, ok)
		}},
		{name: "BadTimestamp", payload: `{"timestamp":"yesterday"}`, field: "timestamp", check: func(t *testing.T, rec *Record) {
			assert.Equal(t, receivedAt, rec.Timestamp())
		}},
		{name: "SessionWrongType", payload: `{"session_id":7}`, field: "session_id", check: func(t *testing.T, rec *Record) {
			assert.Empty(t, rec.SessionID())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse([]byte(tt.payload), receivedAt)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.payload, string(rec.Raw()), "the payload is kept as delivered")

			require.Len(t, rec.FieldErrors(), 1)
			var fieldErr *FieldError
			require.ErrorAs(t, rec.FieldErrors()[0], &fieldErr)
			assert.Equal(t, tt.field, fieldErr.Field)
			tt.check(t, rec)
		})
	}
}

func TestParse_GoodFieldsSurviveABadNeighbour(t *testing.T) {
	rec, err := Parse([]byte(`{"id":"evt-9","method":"tools/call","risk_score":999}`), receivedAt)
	require.NoError(t, err)

	assert.Equal(t, "evt-9", rec.ID().Value())
	assert.Equal(t, "tools/call", rec.Method().Value())
	assert.Len(t, rec.FieldErrors(), 1)
}

func TestParse_AnyObjectIsKept(t *testing.T) {
	values := rapid.SampledFrom([]any{
		nil, true, -5, 0, 42, 101, 3.5, "", "inbound", "sideways", "2025-03-14T15:00:00Z",
		[]any{1, "x"}, map[string]any{"x": 1},
	})
	fields := []string{"id", "session_id", "timestamp", "direction", "method", "risk_score", "payload"}

	rapid.Check(t, func(t *rapid.T) {
		obj := map[string]any{}
		for _, f := range fields {
			if rapid.Bool().Draw(t, f+"_set") {
				obj[f] = values.Draw(t, f)
			}
		}
		data, err := json.Marshal(obj)
		require.NoError(t, err)

		rec, err := Parse(data, receivedAt)
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID().Value())
		assert.JSONEq(t, string(data), string(rec.Raw()))
	})
}

func TestParse_PreviewIsTruncated(t *testing.T) {
	payload := strings.Repeat("x", 500)

	_, err := Parse([]byte(payload), receivedAt)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.LessOrEqual(t, len(parseErr.Preview), previewLimit+3)
	assert.True(t, strings.HasSuffix(parseErr.Preview, "..."))
}

func TestRecord_RawIsACopy(t *testing.T) {
	rec, err := Parse([]byte(`{"a":1}`), receivedAt)
	require.NoError(t, err)

	raw := rec.Raw()
	raw[0] = '['
	assert.Equal(t, `{"a":1}`, string(rec.Raw()), "mutating the returned slice must not affect the record")
}
