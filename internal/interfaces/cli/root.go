package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"kilometers.ai/stream/internal/config"
	"kilometers.ai/stream/internal/core/risk"
	"kilometers.ai/stream/internal/interfaces/di"
)

var (
	Version   = "dev"     // Overridden by ldflags
	BuildTime = "unknown" // Overridden by ldflags
)

// App carries state shared by all commands. Config and Container are set
// by the root command before any subcommand runs.
type App struct {
	Config    *config.Config
	Container *di.Container

	// LogOutput receives log lines. It defaults to stderr.
	LogOutput io.Writer
}

// NewRootCommand RootCommand represents the base command when called without any subcommands
func NewRootCommand(app *App) *cobra.Command {
	if app.LogOutput == nil {
		app.LogOutput = os.Stderr
	}

	rootCmd := &cobra.Command{
		Use:   "km-stream",
		Short: "Follow MCP event streams from a Kilometers event server",
		Long: `km-stream subscribes to the per-session event stream of a Kilometers
event server over Server-Sent Events or WebSocket, keeps the most recent
records in memory and reconnects on its own when the connection drops.

It can print records as they arrive, show them in an interactive dashboard,
or run a local event server for development.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			if err := applyConfigurationOverrides(cmd, cfg); err != nil {
				return fmt.Errorf("failed to apply configuration overrides: %w", err)
			}

			container, err := di.NewContainer(cfg, app.LogOutput, Version)
			if err != nil {
				return err
			}
			app.Config = cfg
			app.Container = container
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app.Container == nil {
				return nil
			}
			return app.Container.Shutdown(context.WithoutCancel(cmd.Context()))
		},
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}}\nBuild time: %s\nGo version: %s\nPlatform: %s/%s\n",
		BuildTime, goVersion(), runtime.GOOS, runtime.GOARCH))

	rootCmd.PersistentFlags().String("config", "", "Config file path (default is $HOME/.km/stream.yaml or stream.json)")
	rootCmd.PersistentFlags().String("endpoint", config.DefaultEndpoint, "Event server base URL")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewTailCommand(app))
	rootCmd.AddCommand(NewDashboardCommand(app))
	rootCmd.AddCommand(NewServeCommand(app))
	rootCmd.AddCommand(NewConfigCommand(app))

	return rootCmd
}

// goVersion returns the Go version used to build the binary
func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}

// applyConfigurationOverrides copies explicitly set flags into cfg. Flags
// that only carry their default value leave the file and env layers alone.
func applyConfigurationOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("endpoint") {
		cfg.Endpoint, _ = flags.GetString("endpoint")
		cfg.Set("endpoint", config.SourceFlag)
	}
	if changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
		cfg.Set("log_level", config.SourceFlag)
	}
	if debugOn, _ := flags.GetBool("debug"); changed("debug") && debugOn {
		cfg.LogLevel = "debug"
		cfg.Set("log_level", config.SourceFlag)
	}
	if changed("transport") {
		cfg.Transport, _ = flags.GetString("transport")
		cfg.Set("transport", config.SourceFlag)
	}
	if changed("max-events") {
		cfg.MaxEvents, _ = flags.GetInt("max-events")
		cfg.Set("max_events", config.SourceFlag)
	}
	if changed("method") {
		cfg.Filter.Methods, _ = flags.GetStringSlice("method")
		cfg.Set("filter", config.SourceFlag)
	}
	if changed("min-risk") {
		value, _ := flags.GetString("min-risk")
		level, err := risk.ParseLevel(value)
		if err != nil {
			return err
		}
		cfg.Filter.MinimumRisk = level
		cfg.Set("filter", config.SourceFlag)
	}
	if changed("addr") {
		cfg.Server.Addr, _ = flags.GetString("addr")
		cfg.Set("server", config.SourceFlag)
	}
	return nil
}

// Execute runs the root command with ctx, which is cancelled on shutdown
// signals.
func Execute(ctx context.Context, args []string) error {
	rootCmd := NewRootCommand(&App{})
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}
