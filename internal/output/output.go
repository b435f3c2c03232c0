// Package output implements the pipeline's delivery sinks: console
// (operator visibility), MQTT (downstream subscribers), and database
// (durable record). Outputs run concurrently per event; a failure in
// one sink never prevents delivery to the others.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/wxwire/bridge/internal/event"
)

// Output is a delivery sink. Start and Stop are idempotent; Send is
// invoked sequentially per output but concurrently across outputs.
type Output interface {
	// ID identifies this instance in logs, metrics, and error-handler
	// policy keys ("output.<id>").
	ID() string

	// Start establishes the sink's connections. Calling Start on a
	// started output is a no-op.
	Start(ctx context.Context) error

	// Send delivers one event. Implementations must return within a
	// finite time; they never block the pipeline indefinitely.
	Send(ctx context.Context, ev *event.Event) error

	// Stop closes the sink's connections. Calling Stop on a stopped
	// output is a no-op.
	Stop(ctx context.Context) error
}

// ─── Console ────────────────────────────────────────────────────────────────

// Console writes a textual rendering of each event to a writer,
// standard output by default.
type Console struct {
	id  string
	log *slog.Logger

	mu sync.Mutex
	w  io.Writer
}

// NewConsole returns a console output over w; a nil writer selects
// os.Stdout. A nil logger falls back to slog.Default().
func NewConsole(id string, w io.Writer, logger *slog.Logger) *Console {
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = "console"
	}
	return &Console{id: id, w: w, log: logger}
}

func (o *Console) ID() string { return o.id }

// Start is a no-op; the writer needs no connection.
func (o *Console) Start(context.Context) error { return nil }

// Stop is a no-op.
func (o *Console) Stop(context.Context) error { return nil }

// Send renders the event. Text products print as indented JSON of the
// structured product, XML events print the extracted document, and raw
// events print a one-line summary.
func (o *Console) Send(_ context.Context, ev *event.Event) error {
	rendered, err := renderEvent(ev)
	if err != nil {
		return fmt.Errorf("output: console render: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := io.WriteString(o.w, rendered); err != nil {
		return fmt.Errorf("output: console write: %w", err)
	}
	return nil
}

func renderEvent(ev *event.Event) (string, error) {
	header := fmt.Sprintf("--- %s %s %s/%s %s\n",
		ev.Meta.EventID, ev.Kind, ev.CCCC, ev.AWIPSID, ev.ProductID)

	switch ev.Kind {
	case event.KindTextProduct:
		if ev.Product == nil {
			return header, nil
		}
		body, err := json.MarshalIndent(ev.Product, "", "  ")
		if err != nil {
			return "", err
		}
		return header + string(body) + "\n", nil
	case event.KindXML:
		return header + ev.XML + "\n", nil
	default:
		return header + fmt.Sprintf("(%d bytes raw)\n", len(ev.NOAAPort)), nil
	}
}
