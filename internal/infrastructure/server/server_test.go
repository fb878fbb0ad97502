package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kilometers.ai/stream/internal/core/stream"
	"kilometers.ai/stream/internal/infrastructure/transport/sse"
	"kilometers.ai/stream/internal/infrastructure/transport/ws"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, quietLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().Close()
		srv.Close()
	})
	return s, srv
}

func publish(t *testing.T, base, session, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(base+"/api/events/"+session, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitForSubscribers(t *testing.T, s *Server, session string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Hub().Subscribers(session) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_Health(t *testing.T) {
	_, srv := newTestServer(t, Config{Version: "1.2.3"})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	_, err = time.Parse(time.RFC3339, body["timestamp"])
	assert.NoError(t, err)
}

func TestServer_PublishValidation(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	tests := []struct {
		name     string
		body     string
		expected int
	}{
		{name: "Object_Accepted", body: `{"method":"ping"}`, expected: http.StatusAccepted},
		{name: "NotJSON_Rejected", body: `hello`, expected: http.StatusBadRequest},
		{name: "Array_Rejected", body: `[1,2]`, expected: http.StatusBadRequest},
		{name: "BadRiskScore_Accepted", body: `{"risk_score":500}`, expected: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := publish(t, srv.URL, "s1", tt.body)
			assert.Equal(t, tt.expected, resp.StatusCode)
		})
	}
}

func TestServer_SSEStream(t *testing.T) {
	s, srv := newTestServer(t, Config{Heartbeat: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/s1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, sse.ContentType, resp.Header.Get("Content-Type"))
	waitForSubscribers(t, s, "s1", 1)

	// Let at least one heartbeat go out before the event.
	time.Sleep(50 * time.Millisecond)
	publish(t, srv.URL, "s1", `{"method":"tools/call"}`)

	dec := sse.NewDecoder(resp.Body)
	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", ev.ID)
	assert.JSONEq(t, `{"method":"tools/call"}`, ev.Data)
}

func TestServer_WebSocketStream(t *testing.T) {
	s, srv := newTestServer(t, Config{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/s1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForSubscribers(t, s, "s1", 1)
	publish(t, srv.URL, "s1", `{"method":"ping"}`)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.JSONEq(t, `{"method":"ping"}`, string(data))

	conn.Close()
	waitForSubscribers(t, s, "s1", 0)
}

// streamOpeners builds one opener per transport against the test server.
func streamOpeners(t *testing.T, endpoint string) map[string]stream.Opener {
	t.Helper()
	sseOpener, err := sse.NewOpener(endpoint, nil, quietLogger())
	require.NoError(t, err)
	wsOpener, err := ws.NewOpener(endpoint, ws.Options{Logger: quietLogger()})
	require.NoError(t, err)
	return map[string]stream.Opener{"sse": sseOpener, "ws": wsOpener}
}

func TestClient_EndToEnd(t *testing.T) {
	s, srv := newTestServer(t, Config{})

	for name, opener := range streamOpeners(t, srv.URL) {
		t.Run(name, func(t *testing.T) {
			session := "e2e-" + name
			c := stream.New(session, opener, stream.Options{MaxEvents: 2, Logger: quietLogger()})
			defer c.Close()

			c.Connect()
			require.Eventually(t, func() bool { return c.Snapshot().IsConnected() }, 2*time.Second, 5*time.Millisecond)
			waitForSubscribers(t, s, session, 1)

			for _, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
				publish(t, srv.URL, session, body)
			}

			require.Eventually(t, func() bool {
				events := c.Snapshot().Events
				return len(events) == 2 && string(events[1].Raw()) == `{"n":3}`
			}, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, `{"n":2}`, string(c.Snapshot().Events[0].Raw()))

			c.Disconnect()
			waitForSubscribers(t, s, session, 0)
			assert.Equal(t, stream.ModeManual, c.Snapshot().Mode)
		})
	}
}

func TestClient_EndToEnd_SessionSwitch(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	opener := streamOpeners(t, srv.URL)["sse"]

	c := stream.New("a", opener, stream.Options{Logger: quietLogger()})
	defer c.Close()

	c.Connect()
	waitForSubscribers(t, s, "a", 1)

	c.SetSession("b")
	waitForSubscribers(t, s, "a", 0)
	waitForSubscribers(t, s, "b", 1)

	publish(t, srv.URL, "a", `{"from":"a"}`)
	publish(t, srv.URL, "b", `{"from":"b"}`)

	require.Eventually(t, func() bool { return len(c.Snapshot().Events) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"from":"b"}`, string(c.Snapshot().Events[0].Raw()))
}

func TestClient_EndToEnd_ReconnectsAfterServerDrop(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	opener := streamOpeners(t, srv.URL)["sse"]

	c := stream.New("r", opener, stream.Options{
		ReconnectInterval: 20 * time.Millisecond,
		Logger:            quietLogger(),
	})
	defer c.Close()

	c.Connect()
	waitForSubscribers(t, s, "r", 1)

	// Dropping every subscriber ends the SSE response.
	s.Hub().Close()

	waitForSubscribers(t, s, "r", 1)
	require.Eventually(t, func() bool { return c.Snapshot().IsConnected() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Snapshot().ReconnectCount, "a successful open resets the counter")
}
