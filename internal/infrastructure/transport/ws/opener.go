// Package ws carries stream records over a WebSocket, one record per text
// frame.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"kilometers.ai/stream/internal/core/stream"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Options tunes keepalive. Zero values take the package defaults.
type Options struct {
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	PongTimeout  time.Duration
	Logger       logrus.FieldLogger
}

// Opener dials {endpoint}/api/events/{session}/ws. An http endpoint maps to
// ws and https to wss.
type Opener struct {
	endpoint *url.URL
	dialer   *websocket.Dialer
	ping     time.Duration
	pong     time.Duration
	log      logrus.FieldLogger
}

func NewOpener(endpoint string, opts Options) (*Opener, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}

	o := &Opener{
		endpoint: u,
		dialer:   opts.Dialer,
		ping:     opts.PingInterval,
		pong:     opts.PongTimeout,
		log:      opts.Logger,
	}
	if o.dialer == nil {
		o.dialer = websocket.DefaultDialer
	}
	if o.ping <= 0 {
		o.ping = pingInterval
	}
	if o.pong <= 0 {
		o.pong = pongTimeout
	}
	if o.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.log = l
	}
	return o, nil
}

// URL returns the socket address for a session.
func (o *Opener) URL(sessionID string) string {
	return o.endpoint.JoinPath("api", "events", url.PathEscape(sessionID), "ws").String()
}

// Open dials in the background and returns at once.
func (o *Opener) Open(ctx context.Context, sessionID string, l stream.Listener) (stream.Handle, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c := &conn{cancel: cancel, listener: l, done: make(chan struct{})}
	go o.run(dialCtx, c, o.URL(sessionID), o.log.WithField("session", sessionID))
	return c, nil
}

func (o *Opener) run(ctx context.Context, c *conn, target string, log logrus.FieldLogger) {
	defer close(c.done)

	ws, resp, err := o.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s: status %d: %w", target, resp.StatusCode, err)
		}
		c.fail(err)
		return
	}
	if !c.attach(ws) {
		ws.Close()
		return
	}
	defer ws.Close()

	if err := o.keepalive(ws); err != nil {
		c.fail(err)
		return
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go o.pingLoop(pingCtx, ws, log)

	c.open()
	log.Debug("websocket open")

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.message(data)
	}
}

func (o *Opener) pingLoop(ctx context.Context, ws *websocket.Conn, log logrus.FieldLogger) {
	ticker := time.NewTicker(o.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}

// conn is the handle for one socket.
type conn struct {
	cancel   context.CancelFunc
	listener stream.Listener
	closed   atomic.Bool
	done     chan struct{}

	mu sync.Mutex
	ws *websocket.Conn
}

// attach stores the dialed socket unless the handle was closed meanwhile.
// keepalive arms the read deadline and extends it on every pong.
func (o *Opener) keepalive(ws *websocket.Conn) error {
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(o.pong))
	})
	if err := ws.SetReadDeadline(time.Now().Add(o.pong)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	return nil
}

func (c *conn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.ws = ws
	return true
}

// Close sends a close frame and closes the socket. It does not wait for
// the reader.
func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	// The reader may already have failed, so the close frame is best-effort.
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	return ws.Close()
}

func (c *conn) open() {
	if !c.closed.Load() {
		c.listener.OnOpen()
	}
}

func (c *conn) message(data []byte) {
	if !c.closed.Load() {
		c.listener.OnMessage(data)
	}
}

func (c *conn) fail(err error) {
	if !c.closed.Load() {
		c.listener.OnError(err)
	}
}
