// Package transform holds the pipeline stages that promote events from
// one variant to the next: raw NOAAPort bytes to a parsed text product,
// and a text product to an extracted XML document. Transformers are
// lenient: an event that is not the expected variant, or that fails to
// parse, passes through unchanged so downstream outputs still see it.
package transform

import (
	"context"
	"log/slog"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/noaaport"
	"github.com/wxwire/bridge/internal/product"
	"github.com/wxwire/bridge/internal/ugc"
)

// Transformer converts an event into its next representation while
// preserving identity (event id, trace id).
type Transformer interface {
	// ID identifies this instance in logs, metrics, and error-handler
	// policy keys ("transform.<id>").
	ID() string

	// Transform returns the event's next representation, or the input
	// unchanged when it does not apply.
	Transform(ctx context.Context, ev *event.Event) (*event.Event, error)
}

// ─── NOAAPort ───────────────────────────────────────────────────────────────

// NOAAPort decodes the raw wire framing and parses the body into a
// structured text product.
type NOAAPort struct {
	id    string
	table *ugc.Table
	log   *slog.Logger
}

// NewNOAAPort returns the product-parsing transformer. The UGC table
// resolves zone and county codes to human-readable names; ugc.Empty()
// disables resolution. A nil logger falls back to slog.Default().
func NewNOAAPort(id string, table *ugc.Table, logger *slog.Logger) *NOAAPort {
	if logger == nil {
		logger = slog.Default()
	}
	if table == nil {
		table = ugc.Empty()
	}
	if id == "" {
		id = "noaaport"
	}
	return &NOAAPort{id: id, table: table, log: logger}
}

func (t *NOAAPort) ID() string { return t.id }

// Transform parses raw events into the text-product variant. Parse
// failures are logged with the product id and leave the event untouched;
// a malformed product still reaches the outputs as raw bytes.
func (t *NOAAPort) Transform(_ context.Context, ev *event.Event) (*event.Event, error) {
	if ev.Kind != event.KindRaw || len(ev.NOAAPort) == 0 {
		return ev, nil
	}

	text := noaaport.Decode(ev.NOAAPort)

	opts := []product.Option{product.WithNameResolver(t.table.Lookup)}
	if !ev.Issue.IsZero() {
		opts = append(opts, product.WithReference(ev.Issue))
	}

	p, err := product.Parse(text, opts...)
	if err != nil {
		t.log.Error("product parse failed, passing raw event through",
			slog.String("transformer", t.id),
			slog.String("event_id", ev.Meta.EventID),
			slog.String("product_id", ev.ProductID),
			slog.String("error", err.Error()))
		return ev, nil
	}

	out := ev.Advance(event.StageTransform, t.id).WithProduct(p)
	annotateApplied(out, t.id)
	return out, nil
}

// annotateApplied appends id to the event's applied-transformer list so
// outputs and logs can see which conversions an event went through.
func annotateApplied(ev *event.Event, id string) {
	if list, ok := ev.Meta.Custom["transformers"].([]string); ok {
		ev.Meta.Annotate("transformers", append(list, id))
		return
	}
	ev.Meta.Annotate("transformers", []string{id})
}
