package output_test

import (
	"context"
	"testing"

	"github.com/wxwire/bridge/internal/output"
	"github.com/wxwire/bridge/internal/store"
)

func openDatabaseOutput(t *testing.T) (*output.Database, *store.SQLite) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	o := output.NewDatabase("database", st, discardLogger())
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	return o, st
}

func TestDatabase_SendPersists(t *testing.T) {
	o, st := openDatabaseOutput(t)
	ctx := context.Background()
	ev := textEvent(t)

	if err := o.Send(ctx, ev); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := st.GetEvent(ctx, ev.Meta.EventID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.ProductID != ev.ProductID {
		t.Errorf("ProductID = %q, want %q", got.ProductID, ev.ProductID)
	}
	if o.Inserted() != 1 {
		t.Errorf("Inserted = %d, want 1", o.Inserted())
	}
}

func TestDatabase_DuplicateCountedNotRaised(t *testing.T) {
	o, _ := openDatabaseOutput(t)
	ctx := context.Background()
	ev := textEvent(t)

	if err := o.Send(ctx, ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := o.Send(ctx, ev); err != nil {
		t.Fatalf("Send (duplicate): %v", err)
	}
	if o.Skipped() != 1 {
		t.Errorf("Skipped = %d, want 1", o.Skipped())
	}
	if o.Inserted() != 1 {
		t.Errorf("Inserted = %d, want 1", o.Inserted())
	}
}

func TestDatabase_StopIdempotent(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	o := output.NewDatabase("database", st, discardLogger())
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := o.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestDatabase_SendAfterRestartOfStartIsNoop(t *testing.T) {
	o, _ := openDatabaseOutput(t)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}
