package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"kilometers.ai/stream/internal/core/stream"
)

// ErrStreamEnded is reported when the server closes the response body.
var ErrStreamEnded = errors.New("event stream ended")

// StatusError is reported for a non-200 response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// Opener opens GET {endpoint}/api/events/{session} streams. It remembers
// the last event id per session and sends it as Last-Event-ID when the
// same session is opened again.
type Opener struct {
	endpoint *url.URL
	client   *http.Client
	log      logrus.FieldLogger

	mu     sync.Mutex
	lastID map[string]string
}

// NewOpener validates endpoint and returns an opener. A nil client means
// a client without timeout, since the response body stays open.
func NewOpener(endpoint string, client *http.Client, log logrus.FieldLogger) (*Opener, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", endpoint)
	}
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Opener{endpoint: u, client: client, log: log, lastID: make(map[string]string)}, nil
}

// URL returns the stream address for a session.
func (o *Opener) URL(sessionID string) string {
	return o.endpoint.JoinPath("api", "events", url.PathEscape(sessionID)).String()
}

// Open starts the request in the background and returns at once. The
// listener sees OnOpen after a 200 response, then one OnMessage per event,
// and a single OnError when the stream fails or ends.
func (o *Opener) Open(ctx context.Context, sessionID string, l stream.Listener) (stream.Handle, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, o.URL(sessionID), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	req.Header.Set("Cache-Control", "no-cache")
	if id := o.lastEventID(sessionID); id != "" {
		req.Header.Set(HeaderLastEventID, id)
	}

	c := &conn{cancel: cancel, listener: l, done: make(chan struct{})}
	go o.run(c, req, sessionID)
	return c, nil
}

func (o *Opener) run(c *conn, req *http.Request, sessionID string) {
	defer close(c.done)
	log := o.log.WithField("session", sessionID)

	resp, err := o.client.Do(req)
	if err != nil {
		c.fail(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.fail(&StatusError{Code: resp.StatusCode})
		return
	}

	c.open()
	log.Debug("event stream open")

	dec := NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			c.fail(err)
			return
		}
		if ev.ID != "" {
			o.setLastEventID(sessionID, ev.ID)
		}
		if ev.Retry > 0 {
			log.WithField("retry", ev.Retry).Trace("server retry hint")
		}
		c.message([]byte(ev.Data))
	}
}

func (o *Opener) lastEventID(sessionID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastID[sessionID]
}

func (o *Opener) setLastEventID(sessionID, id string) {
	o.mu.Lock()
	o.lastID[sessionID] = id
	o.mu.Unlock()
}

// conn is the handle for one request.
type conn struct {
	cancel   context.CancelFunc
	listener stream.Listener
	closed   atomic.Bool
	done     chan struct{}
}

// Close cancels the request. It does not wait for the reader, so it is safe
// to call from a listener callback.
func (c *conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
	}
	return nil
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
