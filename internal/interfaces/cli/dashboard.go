package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"kilometers.ai/stream/internal/core/stream"
)

// NewDashboardCommand creates the dashboard command
func NewDashboardCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard <session-id>",
		Short: "Real-time terminal dashboard for a session stream",
		Long: `Launch an interactive terminal dashboard that follows the event stream
of a session. It shows the connection state, the reconnect count, the last
error and the buffered events, newest first.

Examples:
  km-stream dashboard abc123
  km-stream dashboard abc123 --transport ws
  km-stream dashboard abc123 --min-risk medium`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return errors.New("session ID cannot be empty")
			}
			return runDashboard(cmd.Context(), app, args[0])
		},
	}

	addStreamFlags(cmd)

	return cmd
}

// runDashboard starts the terminal dashboard
func runDashboard(ctx context.Context, app *App, sessionID string) error {
	client := app.Container.NewStreamClient(sessionID, stream.Options{})
	defer client.Close()

	model := newDashboardModel(app, client)
	defer model.sub.Close()
	client.Connect()

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}

// dashboardKeyMap defines the dashboard key bindings.
type dashboardKeyMap struct {
	Pause      key.Binding
	Up         key.Binding
	Down       key.Binding
	Clear      key.Binding
	Disconnect key.Binding
	Reconnect  key.Binding
	Quit       key.Binding
}

func defaultDashboardKeyMap() dashboardKeyMap {
	return dashboardKeyMap{
		Pause: key.NewBinding(
			key.WithKeys(" ", "space"),
			key.WithHelp("space", "pause"),
		),
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓", "down"),
		),
		Clear: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "clear"),
		),
		Disconnect: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "disconnect"),
		),
		Reconnect: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reconnect"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k dashboardKeyMap) bindings() []key.Binding {
	return []key.Binding{k.Pause, k.Up, k.Down, k.Clear, k.Disconnect, k.Reconnect, k.Quit}
}

// dashboardModel holds the state for the Bubble Tea dashboard
type dashboardModel struct {
	app     *App
	client  *stream.Client
	sub     *stream.Subscription
	keys    dashboardKeyMap
	spinner spinner.Model

	snap        stream.Snapshot
	events      []EventDisplayItem
	selectedRow int
	paused      bool

	windowWidth  int
	windowHeight int
}

// snapshotMsg carries a client snapshot into the update loop.
type snapshotMsg stream.Snapshot

// subscriptionClosedMsg is sent when the client stops publishing.
type subscriptionClosedMsg struct{}

func newDashboardModel(app *App, client *stream.Client) *dashboardModel {
	return &dashboardModel{
		app:     app,
		client:  client,
		sub:     client.Subscribe(),
		keys:    defaultDashboardKeyMap(),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		snap:    client.Snapshot(),
	}
}

// Init implements the Bubble Tea init method
func (m *dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.waitForSnapshot(), m.spinner.Tick)
}

// waitForSnapshot blocks on the subscription until the next change.
func (m *dashboardModel) waitForSnapshot() tea.Cmd {
	sub := m.sub
	return func() tea.Msg {
		snap, ok := <-sub.C()
		if !ok {
			return subscriptionClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

// Update implements the Bubble Tea update method
func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case snapshotMsg:
		m.applySnapshot(stream.Snapshot(msg))
		return m, m.waitForSnapshot()

	case subscriptionClosedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *dashboardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Pause):
		m.paused = !m.paused
		if !m.paused {
			m.applySnapshot(m.snap)
		}

	case key.Matches(msg, m.keys.Up):
		if m.selectedRow > 0 {
			m.selectedRow--
		}

	case key.Matches(msg, m.keys.Down):
		if m.selectedRow < len(m.events)-1 {
			m.selectedRow++
		}

	case key.Matches(msg, m.keys.Clear):
		m.client.ClearEvents()

	case key.Matches(msg, m.keys.Disconnect):
		m.client.Disconnect()

	case key.Matches(msg, m.keys.Reconnect):
		m.client.Reconnect()
	}
	return m, nil
}

// applySnapshot stores the connection state and, unless paused, rebuilds
// the event rows newest first.
func (m *dashboardModel) applySnapshot(snap stream.Snapshot) {
	m.snap = snap
	if m.paused {
		return
	}

	filter := m.app.Container.Filter
	analyzer := m.app.Container.Analyzer
	events := make([]EventDisplayItem, 0, len(snap.Events))
	for i := len(snap.Events) - 1; i >= 0; i-- {
		rec := snap.Events[i]
		if !filter.Match(rec) {
			continue
		}
		events = append(events, newDisplayItem(rec, analyzer))
	}
	m.events = events

	if m.selectedRow >= len(m.events) {
		m.selectedRow = max(len(m.events)-1, 0)
	}
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("240"))
	stateStyles   = map[stream.State]lipgloss.Style{
		stream.StateConnected:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")),
		stream.StateConnecting:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		stream.StateReconnecting: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		stream.StateDisconnected: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
)

// View implements the Bubble Tea view method
func (m *dashboardModel) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderEventTable(),
		m.renderFooter(),
	)
}

// renderHeader renders the dashboard header
func (m *dashboardModel) renderHeader() string {
	state := strings.ToUpper(m.snap.State.String())
	if m.snap.State == stream.StateConnecting || m.snap.State == stream.StateReconnecting {
		state = m.spinner.View() + " " + state
	}

	status := "LIVE"
	if m.paused {
		status = "PAUSED"
	}

	line1 := lipgloss.JoinHorizontal(lipgloss.Left,
		titleStyle.Render("km-stream"),
		"  ",
		fmt.Sprintf("Session: %s | Events: %d | Reconnects: %d | %s",
			m.snap.SessionID, len(m.snap.Events), m.snap.ReconnectCount, m.snap.Mode),
		"  ",
		stateStyles[m.snap.State].Render(state),
		"  ",
		dimStyle.Render(status),
	)

	line2 := ""
	if msg := m.snap.ErrorMessage(); msg != "" {
		line2 = errorStyle.Render("Error: " + msg)
	}

	return lipgloss.JoinVertical(lipgloss.Left, line1, line2, m.divider())
}

// renderEventTable renders the main event table
func (m *dashboardModel) renderEventTable() string {
	if len(m.events) == 0 {
		return dimStyle.Render("\n  No events to display. Waiting for MCP activity...\n")
	}

	header := titleStyle.Render(fmt.Sprintf("%-12s │ %-3s │ %-4s │ %-24s │ %-4s │ %-6s │ %s",
		"TIME", "DIR", "TYPE", "METHOD", "RISK", "SIZE", "PREVIEW"))
	rows := []string{header}

	maxRows := len(m.events)
	if m.windowHeight > 0 {
		maxRows = max(m.windowHeight-8, 1)
	}
	start := 0
	if m.selectedRow >= maxRows {
		start = m.selectedRow - maxRows + 1
	}

	for i := start; i < len(m.events) && i < start+maxRows; i++ {
		item := m.events[i]
		row := fmt.Sprintf("%-12s │ %-3s │ %-4s │ %-24s │ %-4s │ %-6s │ %s",
			item.Timestamp,
			item.Direction,
			item.Kind,
			truncateString(item.Method, 24),
			riskLabel(item.Risk),
			item.Size,
			truncateString(item.Preview, 60),
		)
		if i == m.selectedRow {
			row = selectedStyle.Render(row)
		}
		rows = append(rows, row)
	}

	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// renderFooter renders the control instructions footer
func (m *dashboardModel) renderFooter() string {
	parts := make([]string, 0, len(m.keys.bindings()))
	for _, b := range m.keys.bindings() {
		h := b.Help()
		parts = append(parts, fmt.Sprintf("[%s] %s", h.Key, h.Desc))
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.divider(), footerStyle.Render(strings.Join(parts, " | ")))
}

func (m *dashboardModel) divider() string {
	width := m.windowWidth
	if width <= 0 {
		width = 80
	}
	return dimStyle.Render(strings.Repeat("─", width))
}
