package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wxwire/bridge/internal/event"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// sqliteDDL mirrors the PostgreSQL schema with SQLite column types.
// Timestamps are stored as RFC3339 text.
const sqliteDDL = `
CREATE TABLE IF NOT EXISTS products (
    event_id     TEXT PRIMARY KEY,
    trace_id     TEXT NOT NULL,
    product_id   TEXT NOT NULL,
    awipsid      TEXT NOT NULL,
    cccc         TEXT NOT NULL,
    ttaaii       TEXT NOT NULL,
    subject      TEXT NOT NULL DEFAULT '',
    issue        TEXT,
    event_kind   TEXT NOT NULL,
    content_type TEXT NOT NULL,
    received_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_products_product_id  ON products (product_id);
CREATE INDEX IF NOT EXISTS idx_products_received_at ON products (received_at);

CREATE TABLE IF NOT EXISTS product_content (
    event_id TEXT PRIMARY KEY REFERENCES products (event_id),
    noaaport BLOB,
    payload  TEXT
);

CREATE TABLE IF NOT EXISTS product_metadata (
    event_id TEXT NOT NULL REFERENCES products (event_id),
    key      TEXT NOT NULL,
    value    TEXT NOT NULL,
    PRIMARY KEY (event_id, key)
);
`

// SQLite is the embedded-database backend. It is safe for concurrent
// use; writes serialize through a single connection.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at path, enables WAL
// journal mode, and applies the schema. ":memory:" keeps everything
// in-process for tests.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// SQLite allows only one writer; a single pooled connection keeps
	// concurrent inserts from hitting "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// InsertEvent writes the three rows in one transaction. A duplicate
// event id skips all three and reports false.
func (s *SQLite) InsertEvent(ctx context.Context, ev *event.Event) (bool, error) {
	payload, err := payloadFor(ev)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var issue any
	if t := nullableTime(ev.Issue); t != nil {
		issue = t.UTC().Format(time.RFC3339Nano)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO products
			(event_id, trace_id, product_id, awipsid, cccc, ttaaii, subject,
			 issue, event_kind, content_type, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Meta.EventID, ev.Meta.TraceID, ev.ProductID, ev.AWIPSID, ev.CCCC,
		ev.TTAAII, ev.Subject, issue, ev.Kind.String(), ev.ContentType,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("store: insert product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate event id: defence in depth behind the dedup filter.
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO product_content (event_id, noaaport, payload)
		VALUES (?, ?, ?)`,
		ev.Meta.EventID, ev.NOAAPort, payload,
	); err != nil {
		return false, fmt.Errorf("store: insert content: %w", err)
	}

	for _, kv := range metadataRows(ev) {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO product_metadata (event_id, key, value)
			VALUES (?, ?, ?)`,
			ev.Meta.EventID, kv[0], kv[1],
		); err != nil {
			return false, fmt.Errorf("store: insert metadata %q: %w", kv[0], err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return true, nil
}

// GetEvent joins the three tables for one event id.
func (s *SQLite) GetEvent(ctx context.Context, eventID string) (*StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT p.event_id, p.trace_id, p.product_id, p.awipsid, p.cccc,
		       p.ttaaii, p.subject, p.issue, p.event_kind, p.content_type,
		       p.received_at, c.noaaport, c.payload
		FROM   products p
		LEFT   JOIN product_content c ON c.event_id = p.event_id
		WHERE  p.event_id = ?`, eventID)

	var (
		se         StoredEvent
		issue      sql.NullString
		receivedAt string
		noaaport   []byte
		payload    sql.NullString
	)
	err := row.Scan(
		&se.EventID, &se.TraceID, &se.ProductID, &se.AWIPSID, &se.CCCC,
		&se.TTAAII, &se.Subject, &issue, &se.Kind, &se.ContentType,
		&receivedAt, &noaaport, &payload,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get event %s: %w", eventID, err)
	}

	if issue.Valid {
		se.Issue, _ = time.Parse(time.RFC3339Nano, issue.String)
	}
	se.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	se.NOAAPort = noaaport
	if payload.Valid {
		se.Payload = payload.String
	}

	se.Metadata = map[string]string{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM product_metadata WHERE event_id = ?`, eventID)
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
func (s *SQLite) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}

// Ping verifies the database file is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}
