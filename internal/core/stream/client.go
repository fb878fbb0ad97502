// Package stream implements the client side of a per-session event push
// stream: one connection handle at a time, a bounded buffer of the most
// recent records, and fixed-interval reconnection up to a cap.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kilometers.ai/stream/internal/core/event"
)

// Client owns the connection handle, the event buffer and the retry
// bookkeeping for one session identifier at a time. All state changes
// happen under mu; handles are closed and hooks and subscribers are called
// after mu is released, so a hook may call back into the client.
type Client struct {
	opener Opener
	opts   Options
	policy RetryPolicy
	log    logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessionID string
	state     State
	mode      Mode
	err       *Error
	attempts  int
	buffer    *event.Buffer
	handle    Handle
	closed    bool
	version   uint64
	subs      map[*Subscription]struct{}

	// gen identifies the current connection attempt. Listener calls and
	// open results carrying an older generation are ignored.
	gen uint64
	// opening is set while Opener.Open runs outside the lock.
	opening bool
	// connectQueued records a Connect that arrived while a superseded open
	// was still in flight.
	connectQueued bool

	// timer is the pending retry or grace timer; timerSeq invalidates it.
	timer    Timer
	timerSeq uint64
}

// New creates a client bound to sessionID. It does not connect until
// Connect is called.
func New(sessionID string, opener Opener, opts Options) *Client {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opener:    opener,
		opts:      opts,
		policy:    RetryPolicy{Interval: opts.ReconnectInterval, MaxAttempts: opts.MaxReconnectAttempts},
		log:       opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		sessionID: sessionID,
		buffer:    event.NewBuffer(opts.MaxEvents),
		subs:      make(map[*Subscription]struct{}),
	}
}

var errNoHandle = errors.New("opener returned no handle")

// effects collects the work done after the lock is released.
type effects struct {
	closing  []Handle
	hooks    []func()
	snapshot *Snapshot
	subs     []*Subscription
}

func (c *Client) apply(fx *effects) {
	for _, h := range fx.closing {
		if err := h.Close(); err != nil {
			c.log.WithError(err).Debug("closing stream handle")
		}
	}
	if fx.snapshot != nil {
		for _, s := range fx.subs {
			s.deliver(*fx.snapshot)
		}
	}
	for _, hook := range fx.hooks {
		hook()
	}
}

// publishLocked records a state change for delivery to subscribers.
func (c *Client) publishLocked(fx *effects) {
	c.version++
	snap := c.snapshotLocked()
	fx.snapshot = &snap
	fx.subs = fx.subs[:0]
	for s := range c.subs {
		fx.subs = append(fx.subs, s)
	}
}

func (c *Client) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:      c.sessionID,
		State:          c.state,
		Mode:           c.mode,
		Events:         c.buffer.Records(),
		Err:            c.err,
		ReconnectCount: c.attempts,
		Version:        c.version,
	}
}

// Snapshot returns the current view of the client.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Connect opens a stream for the bound session. It is a no-op when no
// session is bound, the client is closed, or a handle already exists or is
// being acquired. An explicit Connect re-enables automatic reconnection.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.sessionID == "" || c.handle != nil {
		c.mu.Unlock()
		return
	}
	if c.opening {
		c.connectQueued = true
		c.mu.Unlock()
		return
	}

	c.cancelTimerLocked()
	c.mode = ModeAuto
	c.gen++
	attempt := c.gen
	sessionID := c.sessionID
	c.opening = true
	c.state = StateConnecting
	c.log.WithFields(logrus.Fields{"session": sessionID, "attempt": c.attempts}).Debug("connecting")

	var fx effects
	c.publishLocked(&fx)
	c.mu.Unlock()
	c.apply(&fx)

	handle, err := c.opener.Open(c.ctx, sessionID, &attemptListener{client: c, gen: attempt})
	c.finishOpen(attempt, handle, err)
}

func (c *Client) finishOpen(attempt uint64, handle Handle, err error) {
	var fx effects

	if err == nil && handle == nil {
		err = errNoHandle
	}

	c.mu.Lock()
	c.opening = false
	queued := c.connectQueued
	c.connectQueued = false

	if attempt != c.gen || c.closed {
		c.mu.Unlock()
		if handle != nil {
			fx.closing = append(fx.closing, handle)
		}
		c.apply(&fx)
		if queued {
			c.Connect()
		}
		return
	}

	if err != nil {
		c.err = &Error{Kind: KindAcquisition, Err: err}
		c.state = StateDisconnected
		c.log.WithError(err).WithField("session", c.sessionID).Warn("failed to establish connection")
		c.publishLocked(&fx)
		if hook := c.opts.OnError; hook != nil {
			reported := c.err
			fx.hooks = append(fx.hooks, func() { hook(reported) })
		}
		c.mu.Unlock()
		c.apply(&fx)
		return
	}

	c.handle = handle
	c.mu.Unlock()
}

// Disconnect closes the stream, cancels any pending retry and suppresses
// automatic reconnection. It is safe to call repeatedly.
func (c *Client) Disconnect() {
	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.disconnectLocked(&fx)
	c.mu.Unlock()
	c.apply(&fx)
}

func (c *Client) disconnectLocked(fx *effects) {
	c.mode = ModeManual
	c.releaseLocked(fx)
	c.cancelTimerLocked()
	c.connectQueued = false
	c.state = StateDisconnected
	c.err = nil
	c.log.WithField("session", c.sessionID).Debug("disconnected")
	c.publishLocked(fx)
	if hook := c.opts.OnDisconnect; hook != nil {
		fx.hooks = append(fx.hooks, hook)
	}
}

// releaseLocked detaches the current handle and supersedes its attempt.
func (c *Client) releaseLocked(fx *effects) {
	c.gen++
	if c.handle != nil {
		fx.closing = append(fx.closing, c.handle)
		c.handle = nil
	}
}

// Reconnect tears the connection down, resets the retry counter, and
// connects again after the grace delay. It also recovers from exhausted
// retries and from a manual disconnect.
func (c *Client) Reconnect() {
	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.disconnectLocked(&fx)
	c.attempts = 0
	c.mode = ModeAuto
	c.scheduleLocked(c.opts.ReconnectGrace, c.fireGrace)
	c.publishLocked(&fx)
	c.mu.Unlock()
	c.apply(&fx)
}

// ClearEvents empties the event buffer without touching the connection.
func (c *Client) ClearEvents() {
	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.buffer.Clear()
	c.publishLocked(&fx)
	c.mu.Unlock()
	c.apply(&fx)
}

// SetSession binds a new session identifier. The old connection is torn
// down before the new one is opened; an empty identifier only tears down.
func (c *Client) SetSession(sessionID string) {
	var fx effects
	c.mu.Lock()
	if c.closed || sessionID == c.sessionID {
		c.mu.Unlock()
		return
	}
	if c.sessionID != "" {
		c.disconnectLocked(&fx)
	}
	c.log.WithFields(logrus.Fields{"from": c.sessionID, "to": sessionID}).Info("session changed")
	c.sessionID = sessionID
	c.attempts = 0
	c.mode = ModeAuto
	c.publishLocked(&fx)
	c.mu.Unlock()
	c.apply(&fx)

	if sessionID != "" {
		c.Connect()
	}
}

// Close disposes the client: the connection and any pending timer are
// released and every later call is a no-op. Subscriptions are closed.
func (c *Client) Close() error {
	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.disconnectLocked(&fx)
	c.closed = true
	subs := fx.subs
	c.subs = make(map[*Subscription]struct{})
	c.mu.Unlock()

	c.cancel()
	c.apply(&fx)
	for _, s := range subs {
		s.Close()
	}
	return nil
}

// Subscribe returns a subscription that receives a snapshot after every
// change. Only the newest undelivered snapshot is kept.
func (c *Client) Subscribe() *Subscription {
	s := newSubscription(c)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.Close()
		return s
	}
	c.subs[s] = struct{}{}
	s.deliver(c.snapshotLocked())
	c.mu.Unlock()
	return s
}

func (c *Client) unsubscribe(s *Subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

func (c *Client) handleOpen(gen uint64) {
	var fx effects
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelTimerLocked()
	c.state = StateConnected
	c.err = nil
	c.attempts = 0
	c.mode = ModeAuto
	c.log.WithField("session", c.sessionID).Info("stream connected")
	c.publishLocked(&fx)
	if hook := c.opts.OnConnect; hook != nil {
		fx.hooks = append(fx.hooks, hook)
	}
	c.mu.Unlock()
	c.apply(&fx)
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	var fx effects
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	rec, err := event.Parse(data, c.opts.Now())
	if err != nil {
		c.err = &Error{Kind: KindParse, Err: err}
		c.log.WithError(err).Warn("dropping unparsable event")
	} else {
		for _, ferr := range rec.FieldErrors() {
			c.log.WithError(ferr).WithField("event", rec.ID().Value()).Debug("ignoring malformed event field")
		}
		if evicted := c.buffer.Append(rec); evicted > 0 {
			c.log.WithField("evicted", evicted).Trace("event buffer full")
		}
	}
	c.publishLocked(&fx)
	c.mu.Unlock()
	c.apply(&fx)
}

func (c *Client) handleError(gen uint64, cause error) {
	var fx effects
	c.mu.Lock()
	if gen != c.gen || c.closed || c.state == StateReconnecting {
		c.mu.Unlock()
		return
	}

	if cause == nil {
		cause = errors.New("stream error")
	}
	reported := &Error{Kind: KindTransport, Err: cause}
	c.err = reported
	if hook := c.opts.OnError; hook != nil {
		fx.hooks = append(fx.hooks, func() { hook(reported) })
	}
	entry := c.log.WithFields(logrus.Fields{"session": c.sessionID, "attempt": c.attempts})

	// Manual mode always bumps gen, so only Auto reaches this point.
	if c.policy.Allow(c.attempts) {
		c.state = StateReconnecting
		c.scheduleLocked(c.policy.Interval, c.fireRetry)
		entry.WithError(cause).Warn("stream error, reconnect scheduled")
	} else {
		c.releaseLocked(&fx)
		c.state = StateDisconnected
		c.err = exhaustedError(c.policy.MaxAttempts)
		entry.Error("max reconnection attempts exceeded")
	}

	c.publishLocked(&fx)
	c.mu.Unlock()
	c.apply(&fx)
}

// fireRetry runs when the retry delay elapses.
func (c *Client) fireRetry(seq uint64) {
	var fx effects
	c.mu.Lock()
	if c.closed || seq != c.timerSeq || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.attempts++
	c.releaseLocked(&fx)
	c.publishLocked(&fx)
	c.mu.Unlock()
	c.apply(&fx)

	c.Connect()
}

// fireGrace runs when the Reconnect grace delay elapses.
func (c *Client) fireGrace(seq uint64) {
	c.mu.Lock()
	if c.closed || seq != c.timerSeq || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.Connect()
}

func (c *Client) scheduleLocked(d time.Duration, fire func(seq uint64)) {
	c.cancelTimerLocked()
	seq := c.timerSeq
	c.timer = c.opts.Scheduler.AfterFunc(d, func() { fire(seq) })
}

func (c *Client) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

// attemptListener routes handle notifications to the attempt that
// created the handle.
type attemptListener struct {
	client *Client
	gen    uint64
}

func (l *attemptListener) OnOpen() { l.client.handleOpen(l.gen) }
func (l *attemptListener) OnMessage(data []byte) { l.client.handleMessage(l.gen, data) }
func (l *attemptListener) OnError(err error) { l.client.handleError(l.gen, err) }
