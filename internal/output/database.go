package output

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/store"
)

// Database persists every event through a store backend. Unlike MQTT,
// database failures are returned to the pipeline so the error handler's
// retry and circuit-breaker policies apply.
type Database struct {
	id  string
	st  store.Store
	log *slog.Logger

	started  atomic.Bool
	inserted atomic.Int64
	skipped  atomic.Int64
}

// NewDatabase returns a database output over st. The output owns the
// store and closes it on Stop. A nil logger falls back to
// slog.Default().
func NewDatabase(id string, st store.Store, logger *slog.Logger) *Database {
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = "database"
	}
	return &Database{id: id, st: st, log: logger}
}

func (o *Database) ID() string { return o.id }

// Start verifies the backend is reachable.
func (o *Database) Start(ctx context.Context) error {
	if o.started.Swap(true) {
		return nil
	}
	if err := o.st.Ping(ctx); err != nil {
		o.started.Store(false)
		return fmt.Errorf("output: database ping: %w", err)
	}
	return nil
}

// Send persists the event. A duplicate event id is logged and counted
// but is not an error.
func (o *Database) Send(ctx context.Context, ev *event.Event) error {
	inserted, err := o.st.InsertEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("output: database insert: %w", err)
	}
	if !inserted {
		o.skipped.Add(1)
		o.log.Debug("duplicate event id, insert skipped",
			slog.String("output", o.id),
			slog.String("event_id", ev.Meta.EventID))
		return nil
	}
	o.inserted.Add(1)
	return nil
}

// Stop closes the underlying store.
func (o *Database) Stop(ctx context.Context) error {
	if !o.started.Swap(false) {
		return nil
	}
	if err := o.st.Close(ctx); err != nil {
		return fmt.Errorf("output: database close: %w", err)
	}
	return nil
}

// Inserted and Skipped report lifetime insert counters for metrics and
// tests.
func (o *Database) Inserted() int64 { return o.inserted.Load() }
func (o *Database) Skipped() int64  { return o.skipped.Load() }
