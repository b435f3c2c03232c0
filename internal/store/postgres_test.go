//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/store/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/store"
)

// setupPostgres starts a PostgreSQL container and returns a schema-applied
// store plus a cleanup func.
func setupPostgres(t *testing.T) (*store.Postgres, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("wxwire_test"),
		tcpostgres.WithUsername("wxwire"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	s, err := store.NewPostgres(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("NewPostgres: %v", err)
	}

	cleanup := func() {
		_ = s.Close(ctx)
		_ = pgContainer.Terminate(ctx)
	}
	return s, cleanup
}

func TestPostgres_InsertAndGet(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	ev := rawEvent(t)
	ev.Meta.Annotate("transformers", []string{"noaaport"})

	inserted, err := s.InsertEvent(ctx, ev)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if !inserted {
		t.Fatal("InsertEvent = false, want true for fresh event")
	}

	got, err := s.GetEvent(ctx, ev.Meta.EventID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.ProductID != ev.ProductID {
		t.Errorf("ProductID = %q, want %q", got.ProductID, ev.ProductID)
	}
	if !got.Issue.Equal(ev.Issue) {
		t.Errorf("Issue = %v, want %v", got.Issue, ev.Issue)
	}
	if string(got.NOAAPort) != string(ev.NOAAPort) {
		t.Error("NOAAPort bytes differ after round trip")
	}
	if got.Metadata["transformers"] == "" {
		t.Errorf("Metadata = %v, want transformers annotation", got.Metadata)
	}
}

func TestPostgres_DuplicateSkipped(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	ev := rawEvent(t)
	if _, err := s.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	inserted, err := s.InsertEvent(ctx, ev)
	if err != nil {
		t.Fatalf("InsertEvent (duplicate): %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert reported true, want false")
	}

	n, err := s.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountEvents = %d, want 1", n)
	}
}

func TestPostgres_VariantPayloads(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	doc := `<?xml version="1.0" encoding="UTF-8"?>` + "\n<alert>x</alert>"
	ev := rawEvent(t).WithXML(doc)

	if _, err := s.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	got, err := s.GetEvent(ctx, ev.Meta.EventID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.Kind != "xml" || got.Payload != doc {
		t.Fatalf("Kind/Payload = %q/%q, want xml variant with document", got.Kind, got.Payload)
	}
	if got.ContentType != event.ContentTypeXML {
		t.Fatalf("ContentType = %q, want %q", got.ContentType, event.ContentTypeXML)
	}

	if _, err := s.GetEvent(ctx, "evt-missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetEvent(missing) = %v, want ErrNotFound", err)
	}
}
