package di

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"kilometers.ai/stream/internal/config"
	"kilometers.ai/stream/internal/core/filtering"
	"kilometers.ai/stream/internal/core/risk"
	"kilometers.ai/stream/internal/core/stream"
	"kilometers.ai/stream/internal/infrastructure/server"
	"kilometers.ai/stream/internal/infrastructure/transport/sse"
	"kilometers.ai/stream/internal/infrastructure/transport/ws"
	"kilometers.ai/stream/internal/logging"
)

// Container holds all application dependencies
type Container struct {
	// Configuration
	Config *config.Config

	// Core services
	Analyzer *risk.Analyzer
	Filter   *filtering.Chain

	// Infrastructure
	Opener stream.Opener

	// Logger
	Logger *logrus.Logger

	version string
	clients []*stream.Client
}

// NewContainer wires the components described by cfg. Log output goes to
// logOut.
func NewContainer(cfg *config.Config, logOut io.Writer, version string) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, logOut)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		version: version,
	}
	if err := c.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return c, nil
}

func (c *Container) initializeComponents() error {
	analyzer, err := risk.NewAnalyzer(risk.Config{
		PayloadSizeLimit: c.Config.Risk.PayloadSizeLimit,
		Custom:           c.Config.Risk.Patterns,
	})
	if err != nil {
		return err
	}
	c.Analyzer = analyzer
	c.Filter = filtering.Build(c.Config.Filter, analyzer)

	opener, err := c.newOpener()
	if err != nil {
		return err
	}
	c.Opener = opener

	c.Logger.WithFields(logrus.Fields{
		"endpoint":  c.Config.Endpoint,
		"transport": c.Config.Transport,
	}).Debug("container initialized")
	return nil
}

func (c *Container) newOpener() (stream.Opener, error) {
	log := c.Logger.WithField("transport", c.Config.Transport)
	switch c.Config.Transport {
	case config.TransportWS:
		return ws.NewOpener(c.Config.Endpoint, ws.Options{Logger: log})
	case config.TransportSSE:
		// No client timeout: the response body is the stream.
		return sse.NewOpener(c.Config.Endpoint, &http.Client{}, log)
	default:
		return nil, fmt.Errorf("unsupported transport %q", c.Config.Transport)
	}
}

// StreamOptions maps the configuration onto client options. A configured
// attempt limit of zero disables reconnection.
func (c *Container) StreamOptions() stream.Options {
	attempts := c.Config.MaxReconnectAttempts
	if attempts == 0 {
		attempts = -1
	}
	return stream.Options{
		MaxEvents:            c.Config.MaxEvents,
		ReconnectInterval:    time.Duration(c.Config.ReconnectInterval),
		MaxReconnectAttempts: attempts,
		Logger:               c.Logger,
	}
}

// NewStreamClient returns an unconnected client for sessionID. Hooks set in
// opts are kept; everything else comes from the configuration. The client
// is closed by Shutdown.
func (c *Container) NewStreamClient(sessionID string, hooks stream.Options) *stream.Client {
	opts := c.StreamOptions()
	opts.OnConnect = hooks.OnConnect
	opts.OnDisconnect = hooks.OnDisconnect
	opts.OnError = hooks.OnError
	if hooks.Scheduler != nil {
		opts.Scheduler = hooks.Scheduler
	}

	client := stream.New(sessionID, c.Opener, opts)
	c.clients = append(c.clients, client)
	return client
}

// NewServer returns a local event server configured from Config.Server.
func (c *Container) NewServer() *server.Server {
	return server.New(server.Config{
		Heartbeat: time.Duration(c.Config.Server.Heartbeat),
		QueueSize: c.Config.Server.QueueSize,
		Version:   c.version,
	}, c.Logger.WithField("component", "server"))
}

// Shutdown closes every client created by the container.
func (c *Container) Shutdown(ctx context.Context) error {
	for _, client := range c.clients {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = client.Close()
	}
	c.clients = nil
	c.Logger.Debug("shutdown complete")
	return nil
}

// GetVersion returns version information
func (c *Container) GetVersion() map[string]string {
	return map[string]string{
		"version":   c.version,
		"transport": c.Config.Transport,
	}
}
