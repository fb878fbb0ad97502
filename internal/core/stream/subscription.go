package stream

import "sync"

// Subscription delivers client snapshots. The channel holds at most one
// pending snapshot; a newer one replaces an undelivered older one, and a
// snapshot that is not newer than the last delivered one is dropped.
type Subscription struct {
	client *Client
	ch     chan Snapshot

	mu     sync.Mutex
	last   uint64
	seen   bool
	closed bool
}

func newSubscription(c *Client) *Subscription {
	return &Subscription{client: c, ch: make(chan Snapshot, 1)}
}

// C returns the snapshot channel. It is closed by Close.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

func (s *Subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.seen && snap.Version <= s.last) {
		return
	}
	s.last = snap.Version
	s.seen = true

	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

// Close stops delivery and closes the channel. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.client.unsubscribe(s)
}
