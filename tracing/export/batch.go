package export

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/ashiato/internal/telemetry"
)

// BatchConfig is the tuning surface of the buffered engine. Zero values
// select the defaults.
type BatchConfig struct {
	// MaxBatchSize flushes as soon as this many records are buffered.
	MaxBatchSize int
	// MaxBatchWait flushes a non-empty buffer this long after its first
	// record arrived, whatever its size.
	MaxBatchWait time.Duration
	// MaxRetries caps upload attempts per batch; the transport performs the
	// retries, and an exhausted batch is dropped.
	MaxRetries int
	// MaxBuffered is the hard cap on buffered records. Beyond it new records
	// are dropped and counted rather than growing memory.
	MaxBuffered int
	// DrainTimeout bounds the final flush during shutdown when the caller's
	// context carries no deadline of its own.
	DrainTimeout time.Duration
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 20
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 100_000
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// Batcher accumulates records and hands them to an upload function in
// batches, flushing on size or age. Add never blocks on upload: flushes run
// on the batcher's own goroutine, and a batch whose upload fails after the
// transport's retries is dropped, never requeued.
type Batcher[R any] struct {
	name   string
	cfg    BatchConfig
	upload func(ctx context.Context, batch []R) error
	logger *slog.Logger

	mu      sync.Mutex
	records []R
	firstAt time.Time
	timer   *time.Timer
	arms    int // times the wait timer was armed, for tests
	started bool

	flushCh chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	stopped  atomic.Bool
	dropped  atomic.Int64
	uploaded atomic.Int64
}

// NewBatcher builds a batcher around upload. Call Start before adding
// records; without it nothing flushes until Shutdown.
func NewBatcher[R any](name string, cfg BatchConfig, upload func(ctx context.Context, batch []R) error, logger *slog.Logger) *Batcher[R] {
	if logger == nil {
		logger = slog.Default()
	}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return &Batcher[R]{
		name:    name,
		cfg:     cfg.withDefaults(),
		upload:  upload,
		logger:  logger,
		timer:   timer,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the flush goroutine and registers buffer metrics. Repeated
// calls are no-ops.
func (b *Batcher[R]) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	if err := b.registerMetrics(); err != nil {
		b.logger.Warn("batcher metrics unavailable", "exporter", b.name, "error", err)
	}
	go b.flushLoop(ctx)
}

// Add buffers one record. The first record into an empty buffer arms the
// wait timer exactly once; records arriving while a timer is pending never
// arm a second one.
func (b *Batcher[R]) Add(rec R) {
	if b.stopped.Load() {
		b.dropped.Add(1)
		return
	}
	b.mu.Lock()
	if len(b.records) >= b.cfg.MaxBuffered {
		b.mu.Unlock()
		b.dropped.Add(1)
		b.logger.Warn("buffer full, dropping record", "exporter", b.name, "cap", b.cfg.MaxBuffered)
		return
	}
	if len(b.records) == 0 {
		b.firstAt = time.Now()
		b.timer.Reset(b.cfg.MaxBatchWait)
		b.arms++
	}
	b.records = append(b.records, rec)
	full := b.shouldFlushLocked(time.Now())
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// shouldFlushLocked decides whether the buffer is due: never for an empty
// buffer, otherwise on size or on the age of the oldest record.
func (b *Batcher[R]) shouldFlushLocked(now time.Time) bool {
	if len(b.records) == 0 {
		return false
	}
	if len(b.records) >= b.cfg.MaxBatchSize {
		return true
	}
	return now.Sub(b.firstAt) >= b.cfg.MaxBatchWait
}

func (b *Batcher[R]) flushLoop(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.finalFlush()
			return
		case <-b.stopCh:
			b.finalFlush()
			return
		case <-b.timer.C:
			// The timer firing is the trigger; non-empty is the only check.
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// flush snapshots and resets the buffer under the lock, then uploads the
// snapshot outside it so new records land in the fresh buffer meanwhile.
func (b *Batcher[R]) flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.records
	b.records = nil
	b.firstAt = time.Time{}
	b.timer.Stop()
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := b.upload(ctx, batch); err != nil {
		b.dropped.Add(int64(len(batch)))
		b.logger.Error("batch upload failed, dropping batch",
			"exporter", b.name, "records", len(batch), "error", err)
		return
	}
	b.uploaded.Add(int64(len(batch)))
}

func (b *Batcher[R]) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DrainTimeout)
	defer cancel()
	b.flush(ctx)
}

// Shutdown stops intake, performs one final drain, and waits for the flush
// goroutine to exit. Safe to call more than once; later calls return as soon
// as the first drain has completed.
func (b *Batcher[R]) Shutdown(ctx context.Context) error {
	b.stopped.Store(true)
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		b.finalFlush()
		return nil
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports how many records are currently buffered.
func (b *Batcher[R]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Dropped reports how many records were lost to a full buffer or failed
// uploads.
func (b *Batcher[R]) Dropped() int64 {
	return b.dropped.Load()
}

// Uploaded reports how many records have been delivered.
func (b *Batcher[R]) Uploaded() int64 {
	return b.uploaded.Load()
}

func (b *Batcher[R]) registerMetrics() error {
	meter := telemetry.Meter("ashiato/export")
	attrs := metric.WithAttributes(attribute.String("exporter", b.name))

	depth, err := meter.Int64ObservableGauge("ashiato.exporter.buffer.depth",
		metric.WithDescription("Records currently buffered for export."))
	if err != nil {
		return err
	}
	dropped, err := meter.Int64ObservableGauge("ashiato.exporter.dropped.total",
		metric.WithDescription("Records dropped by cap or failed uploads."))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(depth, int64(b.Len()), attrs)
		o.ObserveInt64(dropped, b.dropped.Load(), attrs)
		return nil
	}, depth, dropped)
	return err
}
