package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wxwire/bridge/internal/event"
)

// postgresDDL is the production schema. It matches sqliteDDL column for
// column with native PostgreSQL types.
const postgresDDL = `
CREATE TABLE IF NOT EXISTS products (
    event_id     TEXT PRIMARY KEY,
    trace_id     TEXT NOT NULL,
    product_id   TEXT NOT NULL,
    awipsid      TEXT NOT NULL,
    cccc         TEXT NOT NULL,
    ttaaii       TEXT NOT NULL,
    subject      TEXT NOT NULL DEFAULT '',
    issue        TIMESTAMPTZ,
    event_kind   TEXT NOT NULL,
    content_type TEXT NOT NULL,
    received_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_products_product_id  ON products (product_id);
CREATE INDEX IF NOT EXISTS idx_products_received_at ON products (received_at);

CREATE TABLE IF NOT EXISTS product_content (
    event_id TEXT PRIMARY KEY REFERENCES products (event_id),
    noaaport BYTEA,
    payload  TEXT
);

CREATE TABLE IF NOT EXISTS product_metadata (
    event_id TEXT NOT NULL REFERENCES products (event_id),
    key      TEXT NOT NULL,
    value    TEXT NOT NULL,
    PRIMARY KEY (event_id, key)
);
`

// Postgres is the production backend over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a pgxpool connection to connStr, pings the
// database, and applies the schema.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// InsertEvent writes the three rows in one transaction. A duplicate
// event id skips all three and reports false.
func (s *Postgres) InsertEvent(ctx context.Context, ev *event.Event) (bool, error) {
	payload, err := payloadFor(ev)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var issue *time.Time
	if t := nullableTime(ev.Issue); t != nil {
		utc := t.UTC()
		issue = &utc
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO products
			(event_id, trace_id, product_id, awipsid, cccc, ttaaii, subject,
			 issue, event_kind, content_type, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.Meta.EventID, ev.Meta.TraceID, ev.ProductID, ev.AWIPSID, ev.CCCC,
		ev.TTAAII, ev.Subject, issue, ev.Kind.String(), ev.ContentType,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("store: insert product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Duplicate event id: defence in depth behind the dedup filter.
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO product_content (event_id, noaaport, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.Meta.EventID, ev.NOAAPort, payload,
	); err != nil {
		return false, fmt.Errorf("store: insert content: %w", err)
	}

	for _, kv := range metadataRows(ev) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO product_metadata (event_id, key, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id, key) DO NOTHING`,
			ev.Meta.EventID, kv[0], kv[1],
		); err != nil {
			return false, fmt.Errorf("store: insert metadata %q: %w", kv[0], err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return true, nil
}

// GetEvent joins the three tables for one event id.
func (s *Postgres) GetEvent(ctx context.Context, eventID string) (*StoredEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT p.event_id, p.trace_id, p.product_id, p.awipsid, p.cccc,
		       p.ttaaii, p.subject, p.issue, p.event_kind, p.content_type,
		       p.received_at, c.noaaport, c.payload
		FROM   products p
		LEFT   JOIN product_content c ON c.event_id = p.event_id
		WHERE  p.event_id = $1`, eventID)

	var (
		se      StoredEvent
		issue   *time.Time
		payload *string
	)
	err := row.Scan(
		&se.EventID, &se.TraceID, &se.ProductID, &se.AWIPSID, &se.CCCC,
		&se.TTAAII, &se.Subject, &issue, &se.Kind, &se.ContentType,
		&se.ReceivedAt, &se.NOAAPort, &payload,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get event %s: %w", eventID, err)
	}
	if issue != nil {
		se.Issue = *issue
	}
	if payload != nil {
		se.Payload = *payload
	}

	se.Metadata = map[string]string{}
	rows, err := s.pool.Query(ctx, `
		SELECT key, value FROM product_metadata WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("store: get metadata %s: %w", eventID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan metadata: %w", err)
		}
		se.Metadata[k] = v
	}
	return &se, rows.Err()
}

// CountEvents reports the number of products rows.
func (s *Postgres) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}

// Ping verifies the pool is healthy.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Postgres) Close(context.Context) error {
	s.pool.Close()
	return nil
}
