package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kilometers.ai/stream/internal/core/event"
	"kilometers.ai/stream/internal/core/stream"
)

// TailFlags holds command-line flags for the tail command
type TailFlags struct {
	JSON bool
}

// NewTailCommand creates the tail command
func NewTailCommand(app *App) *cobra.Command {
	flags := &TailFlags{}

	cmd := &cobra.Command{
		Use:   "tail <session-id>",
		Short: "Print events from a session stream as they arrive",
		Long: `Connect to the event stream of a session and print every new record.

Connection changes are logged to stderr. The stream reconnects on its own
until the configured number of attempts is used up.

Examples:
  km-stream tail abc123
  km-stream tail abc123 --json
  km-stream tail abc123 --transport ws --method "tools/*" --min-risk medium`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return errors.New("session ID cannot be empty")
			}
			return runTail(cmd.Context(), app, args[0], flags, cmd.OutOrStdout())
		},
	}

	addStreamFlags(cmd)
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Print raw JSON records, one per line")

	return cmd
}

// addStreamFlags registers the flags shared by tail and dashboard. They are
// read by applyConfigurationOverrides.
func addStreamFlags(cmd *cobra.Command) {
	cmd.Flags().String("transport", "sse", "Stream transport (sse or ws)")
	cmd.Flags().Int("max-events", stream.DefaultMaxEvents, "Number of recent events kept in memory")
	cmd.Flags().StringSlice("method", nil, "Only show these methods (supports * wildcards)")
	cmd.Flags().String("min-risk", "low", "Minimum risk level to show (low, medium, high)")
}

func runTail(ctx context.Context, app *App, sessionID string, flags *TailFlags, out io.Writer) error {
	log := app.Container.Logger.WithField("session", sessionID)

	client := app.Container.NewStreamClient(sessionID, stream.Options{
		OnConnect:    func() { log.Info("stream connected") },
		OnDisconnect: func() { log.Info("stream disconnected") },
		OnError:      func(err error) { log.WithError(err).Warn("stream error") },
	})
	defer client.Close()

	sub := client.Subscribe()
	defer sub.Close()

	client.Connect()

	var (
		cursor    recordCursor
		lastState = stream.StateDisconnected
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-sub.C():
			if !ok {
				return nil
			}

			if snap.State != lastState {
				log.WithFields(logrus.Fields{
					"state":    snap.State,
					"attempts": snap.ReconnectCount,
				}).Debug("state changed")
				lastState = snap.State
			}

			for _, rec := range cursor.next(snap.Events) {
				if !app.Container.Filter.Match(rec) {
					continue
				}
				if err := printRecord(out, rec, flags, app); err != nil {
					return fmt.Errorf("failed to write event: %w", err)
				}
			}

			if err := terminalError(snap); err != nil {
				return err
			}
		}
	}
}

// terminalError returns the error that ends a tail, if any: the retry cap
// was reached or the connection could not be created at all.
func terminalError(snap stream.Snapshot) error {
	if snap.State != stream.StateDisconnected || snap.Err == nil {
		return nil
	}
	if errors.Is(snap.Err, stream.ErrAttemptsExhausted) || snap.Err.Kind == stream.KindAcquisition {
		return fmt.Errorf("stream ended: %w", snap.Err)
	}
	return nil
}

func printRecord(out io.Writer, rec *event.Record, flags *TailFlags, app *App) error {
	if flags.JSON {
		_, err := fmt.Fprintf(out, "%s\n", createPayloadPreview(rec.Raw()))
		return err
	}
	_, err := fmt.Fprintln(out, newDisplayItem(rec, app.Container.Analyzer).Line())
	return err
}

// recordCursor remembers the newest record already handled, so each
// snapshot yields only the records that arrived since.
type recordCursor struct {
	last *event.Record
}

func (c *recordCursor) next(records []*event.Record) []*event.Record {
	fresh := records
	if c.last != nil {
		for i := len(records) - 1; i >= 0; i-- {
			if records[i] == c.last {
				fresh = records[i+1:]
				break
			}
		}
	}
	if len(records) > 0 {
		c.last = records[len(records)-1]
	}
	return fresh
}
