// Package sse carries stream records over HTTP text/event-stream.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	ContentType = "text/event-stream"

	// MaxEventSize bounds a single line of the stream.
	MaxEventSize = 1 << 20

	HeaderLastEventID = "Last-Event-ID"
)

const (
	fieldEvent = "event"
	fieldData  = "data"
	fieldID    = "id"
	fieldRetry = "retry"
)

// Event is one dispatched server-sent event.
type Event struct {
	ID    string
	Type  string
	Data  string
	Retry time.Duration
}

// Decoder reads events from a text/event-stream body.
type Decoder struct {
	scanner *bufio.Scanner

	lastID string
	retry  time.Duration
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxEventSize)
	return &Decoder{scanner: s}
}

// Next returns the next event with a non-empty data buffer. The id and
// retry values carry over from earlier events when the event sets none.
// A partial event at the end of the stream is discarded and io.EOF is
// returned.
func (d *Decoder) Next() (Event, error) {
	var (
		data    strings.Builder
		hasData bool
		typ     string
	)

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if !hasData {
				typ = ""
				continue
			}
			return Event{
				ID:    d.lastID,
				Type:  typ,
				Data:  strings.TrimSuffix(data.String(), "\n"),
				Retry: d.retry,
			}, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case fieldEvent:
			typ = value
		case fieldData:
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case fieldID:
			if !strings.ContainsRune(value, 0) {
				d.lastID = value
			}
		case fieldRetry:
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				d.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// LastEventID returns the most recent id field seen.
func (d *Decoder) LastEventID() string {
	return d.lastID
}

// Encode writes ev in wire format. Multi-line data becomes several data
// lines.
func Encode(w io.Writer, ev Event) error {
	var buf bytes.Buffer
	if ev.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", ev.ID)
	}
	if ev.Type != "" {
		fmt.Fprintf(&buf, "event: %s\n", ev.Type)
	}
	if ev.Retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", ev.Retry.Milliseconds())
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// EncodeComment writes a comment line, used as a keepalive.
func EncodeComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
