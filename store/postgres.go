package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/ashiato/tracing/export"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS spans (
	trace_id       TEXT NOT NULL,
	span_id        TEXT NOT NULL,
	parent_span_id TEXT,
	name           TEXT NOT NULL,
	span_type      TEXT NOT NULL,
	attributes     JSONB,
	metadata       JSONB,
	input          JSONB,
	output         JSONB,
	error          JSONB,
	is_event       BOOLEAN NOT NULL DEFAULT FALSE,
	started_at     TIMESTAMPTZ NOT NULL,
	ended_at       TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ,
	PRIMARY KEY (trace_id, span_id)
);
CREATE INDEX IF NOT EXISTS idx_spans_started_at ON spans (started_at DESC);
`

var spanColumns = []string{
	"trace_id", "span_id", "parent_span_id", "name", "span_type",
	"attributes", "metadata", "input", "output", "error", "is_event",
	"started_at", "ended_at", "created_at", "updated_at",
}

const spanConflictUpdate = `
ON CONFLICT (trace_id, span_id) DO UPDATE SET
	name           = EXCLUDED.name,
	span_type      = EXCLUDED.span_type,
	attributes     = EXCLUDED.attributes,
	metadata       = EXCLUDED.metadata,
	input          = EXCLUDED.input,
	output         = EXCLUDED.output,
	error          = EXCLUDED.error,
	is_event       = EXCLUDED.is_event,
	started_at     = EXCLUDED.started_at,
	ended_at       = EXCLUDED.ended_at,
	updated_at     = EXCLUDED.updated_at`

// Postgres stores spans in a pgx connection pool. It carries both the
// per-event SpanStore writes and the collector's bulk ingest path.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for health checks.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// EnsureSchema creates the spans table and its indexes if absent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("store: ensure postgres schema: %w", err)
	}
	return nil
}

// CreateSpan inserts a record, replacing payload fields if the row already
// exists. Redelivered creates are harmless.
func (p *Postgres) CreateSpan(ctx context.Context, rec export.Record) error {
	return p.upsert(ctx, rec)
}

// UpdateSpan applies the full record. An update arriving before its create
// still lands as a row; created_at is never overwritten once set.
func (p *Postgres) UpdateSpan(ctx context.Context, rec export.Record) error {
	return p.upsert(ctx, rec)
}

func (p *Postgres) upsert(ctx context.Context, rec export.Record) error {
	row, err := spanRow(rec)
	if err != nil {
		return err
	}
	err = withRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO spans (
				trace_id, span_id, parent_span_id, name, span_type,
				attributes, metadata, input, output, error, is_event,
				started_at, ended_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`+
			spanConflictUpdate,
			row...)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: upsert span: %w", err)
	}
	return nil
}

// InsertBatch bulk-loads records using the COPY protocol into a temp table,
// then merges into spans with conflict handling, so a replayed batch can
// never produce duplicate rows. Returns the number of rows merged.
func (p *Postgres) InsertBatch(ctx context.Context, recs []export.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	// ON CONFLICT DO UPDATE cannot touch the same row twice in one statement,
	// so collapse duplicate span keys to their last occurrence first.
	recs = dedupeRecords(recs)

	rows := make([][]any, len(recs))
	for i, rec := range recs {
		row, err := spanRow(rec)
		if err != nil {
			return 0, err
		}
		rows[i] = row
	}

	var affected int64
	err := withRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("store: begin batch insert tx: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if _, err := tx.Exec(ctx,
			`CREATE TEMP TABLE _ingest_spans (LIKE spans INCLUDING DEFAULTS) ON COMMIT DROP`,
		); err != nil {
			return fmt.Errorf("store: create ingest temp table: %w", err)
		}

		// Dedicated COPY timeout prevents a hung Postgres from blocking the
		// collector's ingest path indefinitely.
		copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
		_, err = tx.CopyFrom(copyCtx, pgx.Identifier{"_ingest_spans"}, spanColumns, pgx.CopyFromRows(rows))
		copyCancel()
		if err != nil {
			return fmt.Errorf("store: copy into ingest temp table: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO spans SELECT * FROM _ingest_spans`+spanConflictUpdate)
		if err != nil {
			return fmt.Errorf("store: merge ingest temp table: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("store: commit batch insert: %w", err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// GetTrace returns every span of a trace ordered by start time.
func (p *Postgres) GetTrace(ctx context.Context, traceID string) ([]export.Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT trace_id, span_id, parent_span_id, name, span_type,
		       attributes, metadata, input, output, error, is_event,
		       started_at, ended_at, created_at, updated_at
		FROM spans
		WHERE trace_id = $1
		ORDER BY started_at ASC, span_id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("store: query trace: %w", err)
	}
	defer rows.Close()

	var recs []export.Record
	for rows.Next() {
		rec, err := scanPostgresSpan(rows)
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
func (p *Postgres) ListTraces(ctx context.Context, limit int) ([]TraceSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx, `
		SELECT t.trace_id, t.span_count, t.started_at, t.ended_at,
		       COALESCE((SELECT name FROM spans r
		                 WHERE r.trace_id = t.trace_id AND r.parent_span_id IS NULL
		                 ORDER BY r.started_at LIMIT 1), ''),
		       COALESCE((SELECT span_type FROM spans r
		                 WHERE r.trace_id = t.trace_id AND r.parent_span_id IS NULL
		                 ORDER BY r.started_at LIMIT 1), '')
		FROM (
			SELECT trace_id,
			       COUNT(*)::int   AS span_count,
			       MIN(started_at) AS started_at,
			       MAX(ended_at)   AS ended_at
			FROM spans
			GROUP BY trace_id
		) AS t
		ORDER BY t.started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list traces: %w", err)
	}
	defer rows.Close()

	var out []TraceSummary
	for rows.Next() {
		var ts TraceSummary
		if err := rows.Scan(&ts.TraceID, &ts.SpanCount, &ts.StartedAt, &ts.EndedAt, &ts.RootName, &ts.RootType); err != nil {
			return nil, fmt.Errorf("store: scan trace summary: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate summaries: %w", err)
	}
	return out, nil
}

// Ping verifies the pool can reach the database.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func spanRow(rec export.Record) ([]any, error) {
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
	return []any{
		rec.TraceID, rec.SpanID, rec.ParentSpanID, rec.Name, rec.SpanType,
		attrs, md, input, output, errJSON, rec.IsEvent,
		rec.StartedAt, rec.EndedAt, rec.CreatedAt, rec.UpdatedAt,
	}, nil
}

func scanPostgresSpan(rows pgx.Rows) (export.Record, error) {
	var rec export.Record
	var attrs, md, input, output, errJSON []byte

	err := rows.Scan(&rec.TraceID, &rec.SpanID, &rec.ParentSpanID, &rec.Name, &rec.SpanType,
		&attrs, &md, &input, &output, &errJSON, &rec.IsEvent,
		&rec.StartedAt, &rec.EndedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, fmt.Errorf("store: scan span: %w", err)
	}

	rec.Attributes = decodeJSON(attrs)
	rec.Metadata = decodeJSON(md)
	rec.Input = decodeJSON(input)
	rec.Output = decodeJSON(output)
	rec.Error = decodeJSON(errJSON)
	return rec, nil
}

func dedupeRecords(recs []export.Record) []export.Record {
	type key struct{ trace, span string }
	last := make(map[key]int, len(recs))
	for i, r := range recs {
		last[key{r.TraceID, r.SpanID}] = i
	}
	if len(last) == len(recs) {
		return recs
	}
	out := make([]export.Record, 0, len(last))
	for i, r := range recs {
		if last[key{r.TraceID, r.SpanID}] == i {
			out = append(out, r)
		}
	}
	return out
}
