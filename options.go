package ashiato

import (
	"errors"
	"log/slog"

	"github.com/ashita-ai/ashiato/tracing/export"
	"github.com/ashita-ai/ashiato/tracing/process"
)

// Option configures a Pipeline.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	exporters         []export.Exporter
	processors        []process.Processor
	defaultProcessors bool
	service           string
	logger            *slog.Logger
	err               error
}

// WithExporter adds an exporter to the pipeline's fan-out. Every exporter
// receives every processed event; order between exporters carries no meaning.
func WithExporter(exp export.Exporter) Option {
	return func(o *resolvedOptions) {
		if exp == nil {
			o.err = errors.New("WithExporter: nil exporter")
			return
		}
		o.exporters = append(o.exporters, exp)
	}
}

// WithProcessor appends a processor to the chain, after the default
// sensitive-data filter unless WithoutDefaultProcessors is also set.
// Processors run in registration order.
func WithProcessor(p process.Processor) Option {
	return func(o *resolvedOptions) {
		if p == nil {
			o.err = errors.New("WithProcessor: nil processor")
			return
		}
		o.processors = append(o.processors, p)
	}
}

// WithoutDefaultProcessors drops the built-in sensitive-data filter. The
// chain then runs only processors registered via WithProcessor, and spans
// leave the process unredacted.
func WithoutDefaultProcessors() Option {
	return func(o *resolvedOptions) { o.defaultProcessors = false }
}

// WithServiceName stamps every exported span's metadata with the service it
// came from. Spans that already carry a "service" metadata key keep theirs.
func WithServiceName(name string) Option {
	return func(o *resolvedOptions) { o.service = name }
}

// WithLogger sets the structured logger for the pipeline and its tracers.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}
