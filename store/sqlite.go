package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/ashiato/tracing/export"
)

// sqliteTime is RFC 3339 with a fixed-width fraction so that stored strings
// sort chronologically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS spans (
	trace_id       TEXT NOT NULL,
	span_id        TEXT NOT NULL,
	parent_span_id TEXT,
	name           TEXT NOT NULL,
	span_type      TEXT NOT NULL,
	attributes     TEXT,
	metadata       TEXT,
	input          TEXT,
	output         TEXT,
	error          TEXT,
	is_event       INTEGER NOT NULL DEFAULT 0,
	started_at     TEXT NOT NULL,
	ended_at       TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT,
	PRIMARY KEY (trace_id, span_id)
);
CREATE INDEX IF NOT EXISTS idx_spans_started_at ON spans (started_at);
`

const sqliteUpsert = `
INSERT INTO spans (
	trace_id, span_id, parent_span_id, name, span_type,
	attributes, metadata, input, output, error, is_event,
	started_at, ended_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (trace_id, span_id) DO UPDATE SET
	name           = excluded.name,
	span_type      = excluded.span_type,
	attributes     = excluded.attributes,
	metadata       = excluded.metadata,
	input          = excluded.input,
	output         = excluded.output,
	error          = excluded.error,
	is_event       = excluded.is_event,
	started_at     = excluded.started_at,
	ended_at       = excluded.ended_at,
	updated_at     = excluded.updated_at
`

// SQLite stores spans in a single-file database. One writer connection with
// WAL journaling covers the tracing write rates this store is meant for.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// works for tests.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// modernc/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn and keeps :memory: databases on one handle.
	db.SetMaxOpenConns(1)
	return &SQLite{db: db}, nil
}

// EnsureSchema creates the spans table and its indexes if absent.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("store: ensure sqlite schema: %w", err)
	}
	return nil
}

// CreateSpan inserts a record, replacing payload fields if the row already
// exists. Redelivered creates are harmless.
func (s *SQLite) CreateSpan(ctx context.Context, rec export.Record) error {
	return s.upsert(ctx, rec)
}

// UpdateSpan applies the full record. An update arriving before its create
// still lands as a row; created_at is never overwritten once set.
func (s *SQLite) UpdateSpan(ctx context.Context, rec export.Record) error {
	return s.upsert(ctx, rec)
}

func (s *SQLite) upsert(ctx context.Context, rec export.Record) error {
	args, err := sqliteArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsert, args...); err != nil {
		return fmt.Errorf("store: upsert span: %w", err)
	}
	return nil
}

// InsertBatch upserts a batch of records inside one transaction. Records are
// applied in order, so a batch carrying both the create and the end of the
// same span leaves the later record in place.
func (s *SQLite) InsertBatch(ctx context.Context, recs []export.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var written int64
	for _, rec := range recs {
		args, err := sqliteArgs(rec)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, sqliteUpsert, args...)
		if err != nil {
			return 0, fmt.Errorf("store: upsert span: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			written += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit batch: %w", err)
	}
	return written, nil
}

// Ping verifies the database handle is usable.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping sqlite: %w", err)
	}
	return nil
}

func sqliteArgs(rec export.Record) ([]any, error) {
	attrs, err := encodeJSON(rec.Attributes)
	if err != nil {
		return nil, fmt.Errorf("store: encode attributes: %w", err)
	}
	md, err := encodeJSON(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("store: encode metadata: %w", err)
	}
	input, err := encodeJSON(rec.Input)
	if err != nil {
		return nil, fmt.Errorf("store: encode input: %w", err)
	}
	output, err := encodeJSON(rec.Output)
	if err != nil {
		return nil, fmt.Errorf("store: encode output: %w", err)
	}
	errJSON, err := encodeJSON(rec.Error)
	if err != nil {
		return nil, fmt.Errorf("store: encode error: %w", err)
	}

	var parent any
	if rec.ParentSpanID != nil {
		parent = *rec.ParentSpanID
	}
	return []any{
		rec.TraceID, rec.SpanID, parent, rec.Name, rec.SpanType,
		attrs, md, input, output, errJSON, rec.IsEvent,
		formatTime(rec.StartedAt), formatTimePtr(rec.EndedAt),
		formatTime(rec.CreatedAt), formatTimePtr(rec.UpdatedAt),
	}, nil
}

// GetTrace returns every span of a trace ordered by start time.
func (s *SQLite) GetTrace(ctx context.Context, traceID string) ([]export.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, span_id, parent_span_id, name, span_type,
		       attributes, metadata, input, output, error, is_event,
		       started_at, ended_at, created_at, updated_at
		FROM spans
		WHERE trace_id = ?
		ORDER BY started_at ASC, span_id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("store: query trace: %w", err)
	}
	defer rows.Close()

	var recs []export.Record
	for rows.Next() {
		rec, err := scanSQLiteSpan(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate trace: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs, nil
}

// ListTraces summarizes the most recently started traces.
func (s *SQLite) ListTraces(ctx context.Context, limit int) ([]TraceSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.trace_id, t.span_count, t.started_at, t.ended_at,
		       COALESCE((SELECT name FROM spans r
		                 WHERE r.trace_id = t.trace_id AND r.parent_span_id IS NULL
		                 ORDER BY r.started_at LIMIT 1), ''),
		       COALESCE((SELECT span_type FROM spans r
		                 WHERE r.trace_id = t.trace_id AND r.parent_span_id IS NULL
		                 ORDER BY r.started_at LIMIT 1), '')
		FROM (
			SELECT trace_id,
			       COUNT(*)        AS span_count,
			       MIN(started_at) AS started_at,
			       MAX(ended_at)   AS ended_at
			FROM spans
			GROUP BY trace_id
		) AS t
		ORDER BY t.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list traces: %w", err)
	}
	defer rows.Close()

	var out []TraceSummary
	for rows.Next() {
		var ts TraceSummary
		var started string
		var ended sql.NullString
		if err := rows.Scan(&ts.TraceID, &ts.SpanCount, &started, &ended, &ts.RootName, &ts.RootType); err != nil {
			return nil, fmt.Errorf("store: scan trace summary: %w", err)
		}
		if ts.StartedAt, err = time.Parse(sqliteTime, started); err != nil {
			return nil, fmt.Errorf("store: parse started_at: %w", err)
		}
		if ended.Valid {
			t, err := time.Parse(sqliteTime, ended.String)
			if err != nil {
				return nil, fmt.Errorf("store: parse ended_at: %w", err)
			}
			ts.EndedAt = &t
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate summaries: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanSQLiteSpan(rows *sql.Rows) (export.Record, error) {
	var rec export.Record
	var parent, ended, updated sql.NullString
	var attrs, md, input, output, errJSON []byte
	var started, created string

	err := rows.Scan(&rec.TraceID, &rec.SpanID, &parent, &rec.Name, &rec.SpanType,
		&attrs, &md, &input, &output, &errJSON, &rec.IsEvent,
		&started, &ended, &created, &updated)
	if err != nil {
		return rec, fmt.Errorf("store: scan span: %w", err)
	}

	if parent.Valid {
		p := parent.String
		rec.ParentSpanID = &p
	}
	rec.Attributes = decodeJSON(attrs)
	rec.Metadata = decodeJSON(md)
	rec.Input = decodeJSON(input)
	rec.Output = decodeJSON(output)
	rec.Error = decodeJSON(errJSON)

	if rec.StartedAt, err = time.Parse(sqliteTime, started); err != nil {
		return rec, fmt.Errorf("store: parse started_at: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
		return rec, fmt.Errorf("store: parse created_at: %w", err)
	}
	if ended.Valid {
		t, err := time.Parse(sqliteTime, ended.String)
		if err != nil {
			return rec, fmt.Errorf("store: parse ended_at: %w", err)
		}
		rec.EndedAt = &t
	}
	if updated.Valid {
		t, err := time.Parse(sqliteTime, updated.String)
		if err != nil {
			return rec, fmt.Errorf("store: parse updated_at: %w", err)
		}
		rec.UpdatedAt = &t
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
