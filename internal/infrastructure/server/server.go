package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"kilometers.ai/stream/internal/core/event"
	"kilometers.ai/stream/internal/infrastructure/transport/sse"
)

const (
	DefaultHeartbeat = 15 * time.Second

	maxPublishSize = 1 << 20
	writeTimeout   = 10 * time.Second
)

// Config configures a Server.
type Config struct {
	Heartbeat time.Duration
	QueueSize int
	Version   string
}

// Server exposes a Hub over HTTP.
type Server struct {
	hub       *Hub
	log       logrus.FieldLogger
	heartbeat time.Duration
	version   string
	upgrader  websocket.Upgrader
	now       func() time.Time
}

func New(cfg Config, log logrus.FieldLogger) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	return &Server{
		hub:       NewHub(cfg.QueueSize, log),
		log:       log,
		heartbeat: cfg.Heartbeat,
		version:   cfg.Version,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Hub returns the fan-out hub, for in-process publishers.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/events/{session}", s.handleSSE)
	mux.HandleFunc("GET /api/events/{session}/ws", s.handleWS)
	mux.HandleFunc("POST /api/events/{session}", s.handlePublish)
	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"version":   s.version,
	})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.hub.Subscribe(session)
	defer sub.Close()

	log := s.log.WithFields(logrus.Fields{"session": session, "transport": "sse"})
	if last := r.Header.Get(sse.HeaderLastEventID); last != "" {
		log = log.WithField("last_event_id", last)
	}
	log.Info("client connected")
	defer log.Info("client disconnected")

	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := sse.EncodeComment(w, "heartbeat"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			ev := sse.Event{ID: strconv.FormatUint(msg.Seq, 10), Data: string(msg.Data)}
			if err := sse.Encode(w, ev); err != nil {
				log.WithError(err).Debug("write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(session)
	defer sub.Close()

	log := s.log.WithFields(logrus.Fields{"session": session, "transport": "ws"})
	log.Info("client connected")
	defer log.Info("client disconnected")

	// The read side only handles control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				log.WithError(err).Debug("write failed")
				return
			}
		}
	}
}

type publishResponse struct {
	ID        string `json:"id"`
	Seq       uint64 `json:"seq"`
	Delivered int    `json:"delivered"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxPublishSize {
		http.Error(w, "event too large", http.StatusRequestEntityTooLarge)
		return
	}

	rec, err := event.Parse(body, s.now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, delivered := s.hub.Publish(session, rec.Raw())
	s.log.WithFields(logrus.Fields{
		"session":   session,
		"method":    rec.Method().Value(),
		"delivered": delivered,
	}).Debug("event published")

	writeJSON(w, http.StatusAccepted, publishResponse{ID: rec.ID().Value(), Seq: msg.Seq, Delivered: delivered})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
