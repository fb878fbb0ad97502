// Package config loads km-stream settings. Later layers override earlier
// ones: built-in defaults, then a JSON or YAML file, then KM_* environment
// variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"kilometers.ai/stream/internal/core/filtering"
	"kilometers.ai/stream/internal/core/risk"
	"kilometers.ai/stream/internal/core/stream"
)

const (
	TransportSSE = "sse"
	TransportWS  = "ws"

	DefaultEndpoint   = "http://localhost:8000"
	DefaultServerAddr = "127.0.0.1:8000"
)

// Source names the layer a value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

type Config struct {
	Endpoint             string   `json:"endpoint" yaml:"endpoint"`
	Transport            string   `json:"transport" yaml:"transport"`
	MaxEvents            int      `json:"max_events" yaml:"max_events"`
	ReconnectInterval    Duration `json:"reconnect_interval" yaml:"reconnect_interval"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	LogLevel             string   `json:"log_level" yaml:"log_level"`

	Filter filtering.Rules `json:"filter" yaml:"filter"`
	Risk   RiskConfig      `json:"risk" yaml:"risk"`
	Server ServerConfig    `json:"server" yaml:"server"`

	// Sources records which layer last set each top-level key.
	Sources map[string]Source `json:"-" yaml:"-"`
	// File is the config file that was read, if any.
	File string `json:"-" yaml:"-"`
}

type RiskConfig struct {
	PayloadSizeLimit int                  `json:"payload_size_limit" yaml:"payload_size_limit"`
	Patterns         []risk.CustomPattern `json:"patterns,omitempty" yaml:"patterns,omitempty"`
}

type ServerConfig struct {
	Addr      string   `json:"addr" yaml:"addr"`
	Heartbeat Duration `json:"heartbeat" yaml:"heartbeat"`
	QueueSize int      `json:"queue_size" yaml:"queue_size"`
}

// Default returns the built-in settings.
func Default() *Config {
	cfg := &Config{
		Endpoint:             DefaultEndpoint,
		Transport:            TransportSSE,
		MaxEvents:            stream.DefaultMaxEvents,
		ReconnectInterval:    Duration(stream.DefaultReconnectInterval),
		MaxReconnectAttempts: stream.DefaultMaxReconnectAttempts,
		LogLevel:             "info",
		Filter:               filtering.Rules{},
		Server: ServerConfig{
			Addr:      DefaultServerAddr,
			Heartbeat: Duration(15 * time.Second),
			QueueSize: 64,
		},
		Sources: make(map[string]Source),
	}
	for _, key := range keys {
		cfg.Sources[key] = SourceDefault
	}
	return cfg
}

var keys = []string{
	"endpoint", "transport", "max_events", "reconnect_interval",
	"max_reconnect_attempts", "log_level", "filter", "risk", "server",
}

// ValidationError reports an invalid setting.
type ValidationError struct {
	Field string
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validate checks every field and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.Endpoint); err != nil {
		errs = append(errs, &ValidationError{Field: "endpoint", Value: c.Endpoint, Err: err})
	} else if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		errs = append(errs, &ValidationError{Field: "endpoint", Value: c.Endpoint, Err: errors.New("must be an http or https URL")})
	}

	switch c.Transport {
	case TransportSSE, TransportWS:
	default:
		errs = append(errs, &ValidationError{Field: "transport", Value: c.Transport, Err: errors.New("must be sse or ws")})
	}

	if c.MaxEvents <= 0 {
		errs = append(errs, &ValidationError{Field: "max_events", Value: c.MaxEvents, Err: errors.New("must be positive")})
	}
	if c.ReconnectInterval <= 0 {
		errs = append(errs, &ValidationError{Field: "reconnect_interval", Value: c.ReconnectInterval, Err: errors.New("must be positive")})
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, &ValidationError{Field: "max_reconnect_attempts", Value: c.MaxReconnectAttempts, Err: errors.New("must not be negative")})
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, &ValidationError{Field: "log_level", Value: c.LogLevel, Err: err})
	}
	if c.Filter.MinimumRisk != "" {
		if _, err := risk.ParseLevel(string(c.Filter.MinimumRisk)); err != nil {
			errs = append(errs, &ValidationError{Field: "filter.minimum_risk", Value: c.Filter.MinimumRisk, Err: err})
		}
	}
	if c.Risk.PayloadSizeLimit < 0 {
		errs = append(errs, &ValidationError{Field: "risk.payload_size_limit", Value: c.Risk.PayloadSizeLimit, Err: errors.New("must not be negative")})
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, &ValidationError{Field: "server.addr", Value: c.Server.Addr, Err: errors.New("must not be empty")})
	}

	return errors.Join(errs...)
}

// Set records that key was set by source.
func (c *Config) Set(key string, source Source) {
	if c.Sources == nil {
		c.Sources = make(map[string]Source)
	}
	c.Sources[key] = source
}
