// Package store persists processed events to a relational database.
// Every ingested event lands in three tables: the primary products row
// (one per event), a content row holding the raw NOAAPort bytes and the
// processed payload, and one metadata row per annotation key.
//
// Two backends share the schema: SQLite (tests, single-node deploys)
// and PostgreSQL (production). Inserts are idempotent on event_id:
// the duplicate filter runs upstream, so a second insert of the same
// event is silently skipped rather than treated as an error.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wxwire/bridge/internal/event"
)

// ErrNotFound is returned by GetEvent for an unknown event id.
var ErrNotFound = errors.New("store: event not found")

// Store is the persistence interface the database output writes to.
type Store interface {
	// InsertEvent persists ev across the three tables. It reports false
	// when a row with the same event id already existed and the insert
	// was skipped.
	InsertEvent(ctx context.Context, ev *event.Event) (bool, error)

	// GetEvent loads a stored event with its content and metadata rows,
	// or ErrNotFound.
	GetEvent(ctx context.Context, eventID string) (*StoredEvent, error)

	// CountEvents reports the number of products rows.
	CountEvents(ctx context.Context) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources. It is idempotent.
	Close(ctx context.Context) error
}

// StoredEvent is the joined read-back form of a persisted event.
type StoredEvent struct {
	EventID     string
	TraceID     string
	ProductID   string
	AWIPSID     string
	CCCC        string
	TTAAII      string
	Subject     string
	Issue       time.Time
	Kind        string
	ContentType string
	ReceivedAt  time.Time
	NOAAPort    []byte
	Payload     string
	Metadata    map[string]string
}

// payloadFor renders the event's processed payload for the content row:
// JSON of the structured product for text products, the extracted
// document for XML events, empty for raw events.
func payloadFor(ev *event.Event) (string, error) {
	switch ev.Kind {
	case event.KindXML:
		return ev.XML, nil
	case event.KindTextProduct:
		if ev.Product == nil {
			return "", nil
		}
		b, err := json.Marshal(ev.Product)
		if err != nil {
			return "", fmt.Errorf("store: marshal product: %w", err)
		}
		return string(b), nil
	default:
		return "", nil
	}
}

// metadataRows flattens the event's custom annotations into stable
// key/value string pairs, sorted by key so insert order is
// deterministic.
func metadataRows(ev *event.Event) [][2]string {
	if len(ev.Meta.Custom) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ev.Meta.Custom))
	for k := range ev.Meta.Custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][2]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, [2]string{k, fmt.Sprint(ev.Meta.Custom[k])})
	}
	return rows
}

// nullableTime converts the zero time to a nil pointer for storage as
// SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
