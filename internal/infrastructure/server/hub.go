// Package server is a local event server: it fans records published for a
// session out to every SSE and WebSocket subscriber of that session.
package server

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultQueueSize is the per-subscriber backlog.
const DefaultQueueSize = 64

// Message is one published record with its per-session sequence number.
type Message struct {
	Seq  uint64
	Data []byte
}

// Subscriber receives the messages of one session.
type Subscriber struct {
	hub     *Hub
	session string
	ch      chan Message
	once    sync.Once

	mu      sync.Mutex
	dropped int
}

// C returns the message channel. It is closed when the subscriber is
// removed from the hub.
func (s *Subscriber) C() <-chan Message {
	return s.ch
}

// Dropped returns how many messages were discarded because the queue was
// full.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close removes the subscriber from its hub.
func (s *Subscriber) Close() {
	s.hub.remove(s)
}

// Hub routes messages by session. Delivery is at most once: a subscriber
// whose queue is full misses the message.
type Hub struct {
	queueSize int
	log       logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[string]map[*Subscriber]struct{}
	seq      map[string]uint64
}

func NewHub(queueSize int, log logrus.FieldLogger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		queueSize: queueSize,
		log:       log,
		sessions:  make(map[string]map[*Subscriber]struct{}),
		seq:       make(map[string]uint64),
	}
}

// Subscribe registers a subscriber for session.
func (h *Hub) Subscribe(session string) *Subscriber {
	s := &Subscriber{hub: h, session: session, ch: make(chan Message, h.queueSize)}

	h.mu.Lock()
	subs, ok := h.sessions[session]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.sessions[session] = subs
	}
	subs[s] = struct{}{}
	n := len(subs)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"session": session, "subscribers": n}).Debug("subscriber added")
	return s
}

func (h *Hub) remove(s *Subscriber) {
	s.once.Do(func() {
		h.mu.Lock()
		if subs, ok := h.sessions[s.session]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.sessions, s.session)
			}
		}
		close(s.ch)
		h.mu.Unlock()
		h.log.WithField("session", s.session).Debug("subscriber removed")
	})
}

// Publish sends data to the current subscribers of session and returns
// the message with its sequence number and the number of subscribers that
// accepted it.
func (h *Hub) Publish(session string, data []byte) (Message, int) {
	h.mu.Lock()
	h.seq[session]++
	msg := Message{Seq: h.seq[session], Data: append([]byte(nil), data...)}

	delivered := 0
	for s := range h.sessions[session] {
		select {
		case s.ch <- msg:
			delivered++
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			h.log.WithField("session", session).Warn("subscriber queue full, dropping event")
		}
	}
	h.mu.Unlock()
	return msg, delivered
}

// Subscribers returns the number of subscribers of session.
func (h *Hub) Subscribers(session string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[session])
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Subscriber
	for _, subs := range h.sessions {
		for s := range subs {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}
