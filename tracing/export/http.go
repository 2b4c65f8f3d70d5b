package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ashita-ai/ashiato/internal/bound"
	"github.com/ashita-ai/ashiato/tracing"
)

const spansPath = "/v1/spans"

// HTTPConfig configures the batching collector client.
type HTTPConfig struct {
	// Endpoint is the collector base URL; the spans path is appended.
	Endpoint string
	// AccessToken is sent as a bearer credential on every upload.
	AccessToken string
	Batch       BatchConfig
	Limits      bound.Limits
	// HTTPClient overrides the underlying transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// HTTPExporter ships ended spans to a collector in JSON batches. It sits on
// the batcher for size/age flushing and on a retrying HTTP client for
// delivery; a batch that still fails after the retry budget is dropped.
//
// Without an endpoint and access token the exporter is disabled: Export
// becomes a no-op and a single warning is logged on first use, so missing
// observability configuration never breaks the host application.
type HTTPExporter struct {
	url      string
	token    string
	client   *retryablehttp.Client
	batcher  *Batcher[Record]
	limits   bound.Limits
	logger   *slog.Logger
	disabled bool
	warnOnce sync.Once
}

// NewHTTPExporter builds and starts the exporter.
func NewHTTPExporter(cfg HTTPConfig) *HTTPExporter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &HTTPExporter{
		token:    cfg.AccessToken,
		limits:   cfg.Limits,
		logger:   logger,
		disabled: cfg.Endpoint == "" || cfg.AccessToken == "",
	}
	if e.disabled {
		return e
	}
	e.url = strings.TrimRight(cfg.Endpoint, "/") + spansPath

	batch := cfg.Batch.withDefaults()
	rc := retryablehttp.NewClient()
	rc.RetryMax = batch.MaxRetries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = nil
	// Every non-2xx response counts as a failed attempt, not just the
	// default retryable subset.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return true, nil
		}
		return false, nil
	}
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	}
	e.client = rc

	e.batcher = NewBatcher("http", batch, e.uploadBatch, logger)
	e.batcher.Start(context.Background())
	return e
}

func (e *HTTPExporter) Name() string { return "http" }

// Export buffers ended spans for the next batch; started and updated events
// are not exportable over this sink and are dropped without side effects.
func (e *HTTPExporter) Export(ev tracing.Event) {
	if e.disabled {
		e.warnOnce.Do(func() {
			e.logger.Warn("http exporter disabled: endpoint or access token missing")
		})
		return
	}
	if ev.Type != tracing.SpanEnded || ev.Span == nil {
		return
	}
	e.batcher.Add(NewRecord(ev.Span, e.limits))
}

// Shutdown drains the buffer and stops the flush goroutine.
func (e *HTTPExporter) Shutdown(ctx context.Context) error {
	if e.disabled {
		return nil
	}
	return e.batcher.Shutdown(ctx)
}

type spanBatch struct {
	Spans []Record `json:"spans"`
}

func (e *HTTPExporter) uploadBatch(ctx context.Context, batch []Record) error {
	body, err := json.Marshal(spanBatch{Spans: batch})
	if err != nil {
		return fmt.Errorf("export: encode batch: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return fmt.Errorf("export: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("export: post batch: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("export: collector returned %s", resp.Status)
	}
	return nil
}
