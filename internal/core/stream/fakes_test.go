package stream

import (
	"context"
	"sync"
	"time"
)

// fakeHandle is a connection handle driven by the test.
type fakeHandle struct {
	opener    *fakeOpener
	sessionID string
	listener  Listener

	mu     sync.Mutex
	closes int
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closes++
	first := h.closes == 1
	h.mu.Unlock()
	if first {
		h.opener.record("close:" + h.sessionID)
	}
	return nil
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *fakeHandle) open() { h.listener.OnOpen() }
func (h *fakeHandle) send(payload string) { h.listener.OnMessage([]byte(payload)) }
func (h *fakeHandle) fail(err error) { h.listener.OnError(err) }

// fakeOpener records every acquisition and the highest number of handles
// that were live at the same time.
type fakeOpener struct {
	mu      sync.Mutex
	handles []*fakeHandle
	log     []string
	err     error
	maxLive int

	// onOpen runs inside Open before it returns.
	onOpen func(h *fakeHandle)
}

func (o *fakeOpener) Open(_ context.Context, sessionID string, l Listener) (Handle, error) {
	o.mu.Lock()
	if o.err != nil {
		err := o.err
		o.log = append(o.log, "open-failed:"+sessionID)
		o.mu.Unlock()
		return nil, err
	}
	h := &fakeHandle{opener: o, sessionID: sessionID, listener: l}
	o.handles = append(o.handles, h)
	o.log = append(o.log, "open:"+sessionID)
	hook := o.onOpen
	o.mu.Unlock()

	if live := o.liveCount(); live > o.maxLiveSeen() {
		o.mu.Lock()
		o.maxLive = live
		o.mu.Unlock()
	}
	if hook != nil {
		hook(h)
	}
	return h, nil
}

func (o *fakeOpener) record(entry string) {
	o.mu.Lock()
	o.log = append(o.log, entry)
	o.mu.Unlock()
}

func (o *fakeOpener) entries() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.log...)
}

func (o *fakeOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

func (o *fakeOpener) last() *fakeHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.handles) == 0 {
		return nil
	}
	return o.handles[len(o.handles)-1]
}

func (o *fakeOpener) all() []*fakeHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeHandle(nil), o.handles...)
}

func (o *fakeOpener) liveCount() int {
	live := 0
	for _, h := range o.all() {
		if h.closeCount() == 0 {
			live++
		}
	}
	return live
}

func (o *fakeOpener) maxLiveSeen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxLive
}

func (o *fakeOpener) setErr(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

// fakeScheduler holds timers until the test fires them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	sched   *fakeScheduler
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{sched: s, delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the oldest pending timer and reports whether there was one.
func (s *fakeScheduler) fire() bool {
	s.mu.Lock()
	var next *fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return false
	}
	next.fired = true
	s.mu.Unlock()

	next.f()
	return true
}

// stale returns a timer that was stopped, so the test can run its callback
// as a late-firing timer would.
func (s *fakeScheduler) stale() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.timers) - 1; i >= 0; i-- {
		if s.timers[i].stopped {
			return s.timers[i]
		}
	}
	return nil
}
