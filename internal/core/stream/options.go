package stream

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxEvents            = 200
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectGrace       = 100 * time.Millisecond
)

// Options configures a Client. Zero values take the defaults above; a
// negative MaxReconnectAttempts disables automatic reconnection.
type Options struct {
	MaxEvents            int
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	// ReconnectGrace is the delay between the teardown and the new connect
	// performed by Reconnect.
	ReconnectGrace time.Duration

	OnConnect    func()
	OnDisconnect func()
	OnError      func(err error)

	Logger    logrus.FieldLogger
	Scheduler Scheduler

	// Now is the clock used to stamp received records.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxEvents <= 0 {
		o.MaxEvents = DefaultMaxEvents
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	switch {
	case o.MaxReconnectAttempts == 0:
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	case o.MaxReconnectAttempts < 0:
		o.MaxReconnectAttempts = 0
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = DefaultReconnectGrace
	}
	if o.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		o.Logger = logger
	}
	if o.Scheduler == nil {
		o.Scheduler = wallClock{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
