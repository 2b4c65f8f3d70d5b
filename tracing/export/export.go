// Package export delivers span lifecycle events to sinks: a local span store,
// a batching HTTP collector client, and an OpenTelemetry bridge. All sinks
// are best-effort; nothing here returns an error to the instrumented
// application's hot path.
package export

import (
	"context"

	"github.com/ashita-ai/ashiato/tracing"
)

// Exporter consumes span lifecycle events. Export must not block on network
// work and must swallow sink failures; Shutdown drains whatever the exporter
// buffered.
type Exporter interface {
	Name() string
	Export(ev tracing.Event)
	Shutdown(ctx context.Context) error
}
