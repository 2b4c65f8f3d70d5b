// Package ashiato is the public API for instrumenting AI agent and model
// calls with span-based tracing.
//
// Applications construct one Pipeline, hand out Tracers from it, and ship
// every span through the configured exporters:
//
//	pipe, err := ashiato.New(
//	    ashiato.WithExporter(export.NewHTTPExporter(httpCfg)),
//	    ashiato.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer pipe.Shutdown(context.Background())
//
//	tracer := pipe.Tracer("my-agent")
//	span := tracer.StartSpan("generate", tracing.GenerationAttributes{Model: "gpt-4o"})
//	...
//	span.End(tracing.SpanUpdate{Output: result})
//
// The import graph enforces a strict no-cycle rule: ashiato (root) imports
// tracing and its subpackages, but those packages never import the root.
// Tracing is best-effort by design — nothing reachable from a Tracer ever
// returns an error into, or panics across, the instrumented call path.
package ashiato

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/ashiato/tracing"
	"github.com/ashita-ai/ashiato/tracing/export"
	"github.com/ashita-ai/ashiato/tracing/process"
)

// Pipeline routes span lifecycle events from Tracers through a processor
// chain and fans the cleaned events out to every configured exporter.
// Construct with New(), stop with Shutdown().
type Pipeline struct {
	chain     *process.Chain
	exporters []export.Exporter
	service   string
	logger    *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a Pipeline. With no options the pipeline runs the default
// sensitive-data filter and exports nowhere; spans are processed and
// discarded, which keeps instrumentation safe to leave in place when no
// sink is configured.
func New(opts ...Option) (*Pipeline, error) {
	o := resolvedOptions{defaultProcessors: true}
	for _, fn := range opts {
		fn(&o)
	}
	if o.err != nil {
		return nil, fmt.Errorf("ashiato: %w", o.err)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	procs := o.processors
	if o.defaultProcessors {
		filter := process.NewSensitiveFilter(process.FilterConfig{})
		procs = append([]process.Processor{filter}, procs...)
	}

	return &Pipeline{
		chain:     process.NewChain(logger, procs...),
		exporters: o.exporters,
		service:   o.service,
		logger:    logger,
	}, nil
}

// Tracer returns a tracer whose spans feed this pipeline.
func (p *Pipeline) Tracer(name string) *tracing.Tracer {
	return tracing.NewTracer(name, p.emit, p.logger)
}

// Exporters returns the configured exporters, mainly for diagnostics.
func (p *Pipeline) Exporters() []export.Exporter {
	return p.exporters
}

// emit is the single funnel between tracers and sinks: process the snapshot,
// then hand it to every exporter. A processor dropping the span ends the
// event here; an exporter failing (or panicking) is contained and logged so
// the remaining exporters and the caller are unaffected.
func (p *Pipeline) emit(ev tracing.Event) {
	span := p.chain.Apply(ev.Span)
	if span == nil {
		return
	}
	if p.service != "" {
		if span.Metadata == nil {
			span.Metadata = make(map[string]any, 1)
		}
		if _, ok := span.Metadata["service"]; !ok {
			span.Metadata["service"] = p.service
		}
	}
	ev.Span = span
	for _, exp := range p.exporters {
		p.exportOne(exp, ev)
	}
}

func (p *Pipeline) exportOne(exp export.Exporter, ev tracing.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("exporter panicked, event skipped",
				"exporter", exp.Name(), "event", string(ev.Type), "panic", r)
		}
	}()
	exp.Export(ev)
}

// Shutdown drains and stops every exporter concurrently and reports their
// joined errors. Only the first call does work; later calls return the same
// result. Shutdown always completes — a hanging exporter is bounded by ctx.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		g, ctx := errgroup.WithContext(ctx)
		for _, exp := range p.exporters {
			g.Go(func() error {
				if err := exp.Shutdown(ctx); err != nil {
					p.logger.Error("exporter shutdown failed", "exporter", exp.Name(), "error", err)
					return fmt.Errorf("ashiato: shutdown %s: %w", exp.Name(), err)
				}
				return nil
			})
		}
		p.shutdownErr = g.Wait()
	})
	return p.shutdownErr
}
