package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"kilometers.ai/stream/internal/core/event"
	"kilometers.ai/stream/internal/core/risk"
	"kilometers.ai/stream/internal/jsonrpc"
)

// EventDisplayItem is a record prepared for one line of output.
type EventDisplayItem struct {
	Timestamp string
	Direction string
	Kind      string
	Method    string
	Risk      risk.Level
	Size      string
	Preview   string
}

var riskStyles = map[risk.Level]lipgloss.Style{
	risk.LevelHigh:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	risk.LevelMedium: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	risk.LevelLow:    lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
}

func newDisplayItem(rec *event.Record, analyzer *risk.Analyzer) EventDisplayItem {
	direction := "·"
	switch rec.Direction() {
	case event.DirectionInbound:
		direction = "←"
	case event.DirectionOutbound:
		direction = "→"
	}

	method := rec.Method().Value()
	if method == "" {
		method = "-"
	}

	kind := "-"
	if msg, err := jsonrpc.Classify(rec.Raw()); err == nil {
		kind = msg.Type.Short()
	}

	return EventDisplayItem{
		Timestamp: rec.Timestamp().Format("15:04:05.000"),
		Direction: direction,
		Kind:      kind,
		Method:    method,
		Risk:      risk.LevelOf(analyzer.Score(rec)),
		Size:      formatSize(rec.Size()),
		Preview:   createPayloadPreview(rec.Raw()),
	}
}

// riskLabel renders the level as a single coloured letter.
func riskLabel(level risk.Level) string {
	if level == "" {
		return "-"
	}
	label := strings.ToUpper(string(level)[:1])
	if style, ok := riskStyles[level]; ok {
		return style.Render(label)
	}
	return label
}

// Line renders the item for the tail command.
func (d EventDisplayItem) Line() string {
	return fmt.Sprintf("%s %s %-3s %-24s %s %6s %s",
		d.Timestamp,
		d.Direction,
		d.Kind,
		truncateString(d.Method, 24),
		riskLabel(d.Risk),
		d.Size,
		truncateString(d.Preview, 80),
	)
}

// formatSize formats the event size for display
func formatSize(size int) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%dB", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1fK", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1fM", float64(size)/(1024*1024))
	}
}

// createPayloadPreview returns the payload as compact single-line JSON.
func createPayloadPreview(payload []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return strings.Join(strings.Fields(string(payload)), " ")
	}
	return buf.String()
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
