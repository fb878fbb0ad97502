package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kilometers.ai/stream/internal/infrastructure/server"
)

const shutdownTimeout = 5 * time.Second

// ServeFlags holds command-line flags for the serve command
type ServeFlags struct {
	DemoSession  string
	DemoInterval time.Duration
}

// NewServeCommand creates the serve command
func NewServeCommand(app *App) *cobra.Command {
	flags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local event server",
		Long: `Run a local event server exposing session streams over Server-Sent Events
and WebSocket, and accepting records on POST /api/events/{session}.

With --demo the server also publishes generated MCP records to one session.

Examples:
  km-stream serve
  km-stream serve --addr 127.0.0.1:9000 --demo abc123 --demo-interval 500ms`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", app.Config.Server.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", app.Config.Server.Addr, err)
			}
			return runServe(cmd.Context(), app, ln, flags)
		},
	}

	cmd.Flags().String("addr", "127.0.0.1:8000", "Listen address")
	cmd.Flags().StringVar(&flags.DemoSession, "demo", "", "Publish generated events to this session")
	cmd.Flags().DurationVar(&flags.DemoInterval, "demo-interval", time.Second, "Interval between generated events")

	return cmd
}

// runServe serves on ln until ctx is done or the server fails.
func runServe(ctx context.Context, app *App, ln net.Listener, flags *ServeFlags) error {
	log := app.Container.Logger.WithField("component", "serve")
	srv := app.Container.NewServer()

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", ln.Addr().String()).Info("event server listening")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("event server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		// Closing the hub ends open streams so Shutdown does not wait on them.
		srv.Hub().Close()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down event server: %w", err)
		}
		log.Info("event server stopped")
		return nil
	})

	if flags.DemoSession != "" {
		gen := server.NewGenerator(srv.Hub(), flags.DemoSession, flags.DemoInterval, log.WithFields(logrus.Fields{
			"demo": true,
		}))
		g.Go(func() error {
			return gen.Run(gctx)
		})
	}

	return g.Wait()
}
