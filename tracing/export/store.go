package export

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/ashiato/internal/bound"
	"github.com/ashita-ai/ashiato/tracing"
)

// StoreConfig tunes the synchronous store exporter.
type StoreConfig struct {
	Limits  bound.Limits
	Timeout time.Duration // per-write deadline, default 5s
	Logger  *slog.Logger
}

// StoreExporter writes every lifecycle event straight through to a SpanStore:
// started events create a row, later transitions update it. Suited to local,
// cheap sinks; network sinks belong behind the batcher.
type StoreExporter struct {
	store    SpanStore
	limits   bound.Limits
	timeout  time.Duration
	logger   *slog.Logger
	warnOnce sync.Once
}

// NewStoreExporter builds the exporter. A nil store yields a disabled
// exporter whose Export is a no-op, so wiring it unconditionally is safe.
func NewStoreExporter(store SpanStore, cfg StoreConfig) *StoreExporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StoreExporter{
		store:   store,
		limits:  cfg.Limits,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

func (e *StoreExporter) Name() string { return "store" }

// Export persists one lifecycle transition. Failures are logged and
// swallowed; span storage must never surface errors into the traced code.
func (e *StoreExporter) Export(ev tracing.Event) {
	if e.store == nil {
		e.warnOnce.Do(func() {
			e.logger.Warn("store exporter has no span store configured, events are discarded")
		})
		return
	}
	if ev.Span == nil {
		return
	}

	rec := NewRecord(ev.Span, e.limits)
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	var err error
	switch {
	case ev.Type == tracing.SpanStarted:
		err = e.store.CreateSpan(ctx, rec)
	case ev.Type == tracing.SpanEnded && ev.Span.IsEvent:
		// Event spans emit exactly once, so their end is their first sight.
		err = e.store.CreateSpan(ctx, rec)
	case ev.Type == tracing.SpanUpdated || ev.Type == tracing.SpanEnded:
		now := time.Now()
		rec.UpdatedAt = &now
		err = e.store.UpdateSpan(ctx, rec)
	}
	if err != nil {
		e.logger.Error("span write failed",
			"exporter", e.Name(), "event", string(ev.Type),
			"trace_id", rec.TraceID, "span_id", rec.SpanID, "error", err)
	}
}

// Shutdown is immediate: the exporter holds no buffer.
func (e *StoreExporter) Shutdown(context.Context) error { return nil }
