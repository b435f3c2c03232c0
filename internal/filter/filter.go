// Package filter holds the pipeline's drop-or-pass stages. A filter
// inspects an event and vetoes further processing; it never mutates the
// event. The two filters every deployment runs are TestMessage (NWWS-OI
// emits periodic test products) and Duplicate (the feed retransmits
// products, sometimes across server failover).
package filter

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/wxwire/bridge/internal/dedupe"
	"github.com/wxwire/bridge/internal/event"
)

// Filter decides whether an event continues through the pipeline.
// Returning false drops the event without error; an error is routed to
// the pipeline's error handler under the filter's stage id.
type Filter interface {
	// ID identifies this instance in logs, metrics, and error-handler
	// policy keys ("filter.<id>").
	ID() string

	// Allow reports whether ev should continue.
	Allow(ctx context.Context, ev *event.Event) (bool, error)
}

// ─── TestMessage ───────────────────────────────────────────────────────────

// TestMessage drops NWWS-OI test traffic: events whose AWIPS id
// uppercases to exactly "TSTMSG". Events without an AWIPS id pass.
type TestMessage struct {
	id  string
	log *slog.Logger
}

// NewTestMessage returns a test-message filter. A nil logger falls back
// to slog.Default().
func NewTestMessage(id string, logger *slog.Logger) *TestMessage {
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = "test_message"
	}
	return &TestMessage{id: id, log: logger}
}

func (f *TestMessage) ID() string { return f.id }

// Allow drops the event only on an exact (case-insensitive) TSTMSG
// match; "TSTMSG123" and events lacking the id pass.
func (f *TestMessage) Allow(_ context.Context, ev *event.Event) (bool, error) {
	id := strings.ToUpper(strings.TrimSpace(ev.AWIPSID))
	if id == "" || id == "NONE" {
		return true, nil
	}
	if id == "TSTMSG" {
		f.log.Debug("dropping test message",
			slog.String("filter", f.id),
			slog.String("event_id", ev.Meta.EventID),
			slog.String("product_id", ev.ProductID))
		return false, nil
	}
	return true, nil
}

// ─── Duplicate ──────────────────────────────────────────────────────────────

// Duplicate drops retransmissions of a product seen within a sliding
// time window, keyed on the event's product id.
type Duplicate struct {
	id    string
	cache *dedupe.Cache
	log   *slog.Logger
}

// NewDuplicate returns a duplicate filter over a fresh cache. A
// non-positive window selects dedupe.DefaultWindow. A nil logger falls
// back to slog.Default().
func NewDuplicate(id string, window time.Duration, logger *slog.Logger, opts ...dedupe.Option) *Duplicate {
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = "duplicate"
	}
	return &Duplicate{
		id:    id,
		cache: dedupe.New(window, opts...),
		log:   logger,
	}
}

func (f *Duplicate) ID() string { return f.id }

// Allow passes the first sighting of a product id inside the window and
// drops the rest. Events without a product id cannot be deduplicated
// and pass with a warning.
func (f *Duplicate) Allow(_ context.Context, ev *event.Event) (bool, error) {
	id := strings.TrimSpace(ev.ProductID)
	if id == "" {
		f.log.Warn("event has no product id, passing without dedup",
			slog.String("filter", f.id),
			slog.String("event_id", ev.Meta.EventID))
		return true, nil
	}
	if f.cache.FirstSeen(id) {
		return true, nil
	}
	f.log.Debug("dropping duplicate product",
		slog.String("filter", f.id),
		slog.String("event_id", ev.Meta.EventID),
		slog.String("product_id", id))
	return false, nil
}

// Cache exposes the underlying dedup cache so the bridge can publish
// its size and oldest-entry age as gauges.
func (f *Duplicate) Cache() *dedupe.Cache { return f.cache }
