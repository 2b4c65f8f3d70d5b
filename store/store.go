// Package store persists span records and serves them back per trace. Two
// implementations share one schema shape: SQLite for single-process and
// development use, Postgres for the collector daemon.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ashita-ai/ashiato/tracing/export"
)

// ErrNotFound reports a trace ID with no stored spans.
var ErrNotFound = errors.New("store: trace not found")

// TraceSummary is one row of a trace listing.
type TraceSummary struct {
	TraceID   string     `json:"traceId"`
	RootName  string     `json:"rootName"`
	RootType  string     `json:"rootType"`
	SpanCount int        `json:"spanCount"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// TraceReader serves stored spans grouped by trace. Both stores implement it;
// the query API and the MCP server consume it.
type TraceReader interface {
	// GetTrace returns every span of a trace ordered by start time.
	// Returns ErrNotFound for an unknown trace ID.
	GetTrace(ctx context.Context, traceID string) ([]export.Record, error)
	// ListTraces returns summaries of the most recently started traces.
	ListTraces(ctx context.Context, limit int) ([]TraceSummary, error)
}

// Store is the storage surface of the collector daemon: batch ingest writes,
// trace reads, and lifecycle. Both backends implement it.
type Store interface {
	TraceReader
	// InsertBatch writes a batch of records, upserting by (traceId, spanId).
	// Returns the number of rows written.
	InsertBatch(ctx context.Context, recs []export.Record) (int64, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// encodeJSON renders a payload column value. Nil stays nil so the column is
// NULL rather than the string "null".
func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// decodeJSON reverses encodeJSON. Undecodable column content degrades to the
// raw string; a stored span must always be readable.
func decodeJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	return v
}
