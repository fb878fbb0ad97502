package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"kilometers.ai/stream/internal/config"
)

// NewConfigCommand creates the config command
func NewConfigCommand(app *App) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
		Long: `Inspect the effective km-stream configuration.

Settings are layered: built-in defaults, then the config file, then KM_*
environment variables, then command-line flags.`,
	}

	configCmd.AddCommand(NewConfigShowCommand(app))

	return configCmd
}

// NewConfigShowCommand creates the show subcommand
func NewConfigShowCommand(app *App) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConfig(cmd.OutOrStdout(), app.Config, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, yaml, json)")

	return cmd
}

func printConfig(out io.Writer, cfg *config.Config, format string) error {
	switch strings.ToLower(format) {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		return nil
	case "text":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	file := cfg.File
	if file == "" {
		file = "(none)"
	}
	fmt.Fprintln(out, "Current Configuration:")
	fmt.Fprintf(out, "Config file: %s\n", file)

	rows := []struct {
		key   string
		value any
	}{
		{"endpoint", cfg.Endpoint},
		{"transport", cfg.Transport},
		{"max_events", cfg.MaxEvents},
		{"reconnect_interval", cfg.ReconnectInterval},
		{"max_reconnect_attempts", cfg.MaxReconnectAttempts},
		{"log_level", cfg.LogLevel},
		{"filter", describeFilter(cfg)},
		{"risk", fmt.Sprintf("payload_size_limit=%d patterns=%d", cfg.Risk.PayloadSizeLimit, len(cfg.Risk.Patterns))},
		{"server", fmt.Sprintf("addr=%s heartbeat=%s queue_size=%d", cfg.Server.Addr, cfg.Server.Heartbeat, cfg.Server.QueueSize)},
	}
	for _, row := range rows {
		source := cfg.Sources[row.key]
		if source == "" {
			source = config.SourceDefault
		}
		fmt.Fprintf(out, "%-24s %-40v (%s)\n", row.key+":", row.value, source)
	}
	return nil
}

func describeFilter(cfg *config.Config) string {
	f := cfg.Filter
	var parts []string
	if len(f.Methods) > 0 {
		parts = append(parts, "methods="+strings.Join(f.Methods, ","))
	}
	if len(f.ExcludeMethods) > 0 {
		parts = append(parts, "exclude="+strings.Join(f.ExcludeMethods, ","))
	}
	if f.ExcludePing {
		parts = append(parts, "exclude_ping")
	}
	if f.MinimumRisk != "" {
		parts = append(parts, "minimum_risk="+string(f.MinimumRisk))
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, " ")
}
