package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv.
const (
	EnvEndpoint             = "KM_STREAM_ENDPOINT"
	EnvTransport            = "KM_STREAM_TRANSPORT"
	EnvMaxEvents            = "KM_MAX_EVENTS"
	EnvReconnectInterval    = "KM_RECONNECT_INTERVAL"
	EnvMaxReconnectAttempts = "KM_MAX_RECONNECT_ATTEMPTS"
	EnvLogLevel             = "KM_LOG_LEVEL"
	EnvConfigPath           = "KM_STREAM_CONFIG"
)

var defaultFileNames = []string{"stream.yaml", "stream.yml", "stream.json"}

// DefaultPaths lists the files tried when no path is given.
func DefaultPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(defaultFileNames))
	for _, name := range defaultFileNames {
		paths = append(paths, filepath.Join(home, ".km", name))
	}
	return paths
}

// Load returns defaults overlaid with the config file and the environment.
// An explicit path that does not exist is an error; missing default files
// are skipped. Flags are applied by the caller afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	} else {
		for _, candidate := range DefaultPaths() {
			err := cfg.LoadFile(candidate)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			break
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the file at path. The format follows the extension:
// .yaml and .yml are YAML, anything else JSON.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var present []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var top map[string]any
		if err := yaml.Unmarshal(data, &top); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		for k := range top {
			present = append(present, k)
		}
	default:
		var top map[string]json.RawMessage
		if err := json.Unmarshal(data, &top); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		for k := range top {
			present = append(present, k)
		}
	}

	for _, k := range present {
		c.Set(k, SourceFile)
	}
	c.File = path
	return nil
}

// ApplyEnv overlays the KM_* variables found by lookup. A value that cannot
// be parsed is a *ValidationError.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvEndpoint); ok && v != "" {
		c.Endpoint = v
		c.Set("endpoint", SourceEnv)
	}
	if v, ok := lookup(EnvTransport); ok && v != "" {
		c.Transport = strings.ToLower(v)
		c.Set("transport", SourceEnv)
	}
	if v, ok := lookup(EnvMaxEvents); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Field: EnvMaxEvents, Value: v, Err: err}
		}
		c.MaxEvents = n
		c.Set("max_events", SourceEnv)
	}
	if v, ok := lookup(EnvReconnectInterval); ok && v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return &ValidationError{Field: EnvReconnectInterval, Value: v, Err: err}
		}
		c.ReconnectInterval = d
		c.Set("reconnect_interval", SourceEnv)
	}
	if v, ok := lookup(EnvMaxReconnectAttempts); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Field: EnvMaxReconnectAttempts, Value: v, Err: err}
		}
		c.MaxReconnectAttempts = n
		c.Set("max_reconnect_attempts", SourceEnv)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = strings.ToLower(v)
		c.Set("log_level", SourceEnv)
	}
	return nil
}
