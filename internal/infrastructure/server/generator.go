package server

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"kilometers.ai/stream/internal/jsonrpc"
)

// Publisher accepts raw records for a session.
type Publisher interface {
	Publish(session string, data []byte) (Message, int)
}

// Generator publishes synthetic MCP traffic for one session, for demos and
// manual testing of the stream client.
type Generator struct {
	pub      Publisher
	session  string
	interval time.Duration
	log      logrus.FieldLogger
	rng      *rand.Rand
	now      func() time.Time
}

func NewGenerator(pub Publisher, session string, interval time.Duration, log logrus.FieldLogger) *Generator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Generator{
		pub:      pub,
		session:  session,
		interval: interval,
		log:      log,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6b6d)),
		now:      time.Now,
	}
}

type sample struct {
	kind      jsonrpc.MessageType
	method    string
	direction string
	risk      int
	body      any
}

var samples = []sample{
	{kind: jsonrpc.MessageTypeRequest, method: "initialize", direction: "inbound", risk: 5, body: map[string]any{"protocolVersion": "2024-11-05"}},
	{kind: jsonrpc.MessageTypeNotification, method: "notifications/initialized", direction: "inbound", risk: 0},
	{kind: jsonrpc.MessageTypeRequest, method: "tools/list", direction: "inbound", risk: 5},
	{kind: jsonrpc.MessageTypeRequest, method: "tools/call", direction: "inbound", risk: 60, body: map[string]any{"name": "read_file", "arguments": map[string]any{"path": "README.md"}}},
	{kind: jsonrpc.MessageTypeResponse, method: "tools/call", direction: "outbound", risk: 40, body: map[string]any{"content": []any{map[string]any{"type": "text", "text": "ok"}}}},
	{kind: jsonrpc.MessageTypeError, method: "tools/call", direction: "outbound", risk: 20, body: "unknown tool"},
	{kind: jsonrpc.MessageTypeRequest, method: "resources/read", direction: "inbound", risk: 85, body: map[string]any{"uri": "file:///etc/passwd"}},
	{kind: jsonrpc.MessageTypeRequest, method: "prompts/get", direction: "inbound", risk: 30, body: map[string]any{"name": "summarize"}},
	{kind: jsonrpc.MessageTypeRequest, method: "ping", direction: "inbound", risk: 0},
}

// Next builds one synthetic record: a JSON-RPC envelope plus the stream
// metadata fields.
func (g *Generator) Next() []byte {
	s := samples[g.rng.IntN(len(samples))]
	id := g.rng.IntN(10000)

	var rec map[string]any
	switch s.kind {
	case jsonrpc.MessageTypeNotification:
		rec = jsonrpc.Notification(s.method, s.body)
	case jsonrpc.MessageTypeResponse:
		rec = jsonrpc.Response(id, s.body)
	case jsonrpc.MessageTypeError:
		rec = jsonrpc.ErrorResponse(id, -32602, s.body.(string))
	default:
		rec = jsonrpc.Request(id, s.method, s.body)
	}

	rec["session_id"] = g.session
	rec["timestamp"] = g.now().UTC().Format(time.RFC3339Nano)
	rec["direction"] = s.direction
	rec["method"] = s.method
	rec["risk_score"] = s.risk

	data, _ := json.Marshal(rec)
	return data
}

// Run publishes until ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.log.WithFields(logrus.Fields{"session": g.session, "interval": g.interval}).Info("demo generator started")
	for {
		select {
		case <-ctx.Done():
			g.log.WithField("session", g.session).Info("demo generator stopped")
			return nil
		case <-ticker.C:
			_, delivered := g.pub.Publish(g.session, g.Next())
			g.log.WithFields(logrus.Fields{"session": g.session, "delivered": delivered}).Trace("demo event published")
		}
	}
}
