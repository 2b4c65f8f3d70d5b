// Package process cleans span snapshots on their way to exporters. Processors
// run in a fixed order; each receives the previous one's output and may
// rewrite the span or drop it entirely.
package process

import (
	"log/slog"

	"github.com/ashita-ai/ashiato/tracing"
)

// Processor rewrites one span snapshot. Returning nil drops the span, which
// stops the chain for that event.
type Processor interface {
	Name() string
	Process(span *tracing.Span) *tracing.Span
}

// Chain runs processors in order. A panicking processor is skipped, leaving
// the span as the previous processor produced it; one bad processor must not
// stall the export path.
type Chain struct {
	procs  []Processor
	logger *slog.Logger
}

// NewChain builds a chain over the given processors.
func NewChain(logger *slog.Logger, procs ...Processor) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{procs: procs, logger: logger}
}

// Apply passes span through every processor. Returns nil when a processor
// dropped the span.
func (c *Chain) Apply(span *tracing.Span) *tracing.Span {
	for _, p := range c.procs {
		next := c.applyOne(p, span)
		if next == nil {
			return nil
		}
		span = next
	}
	return span
}

func (c *Chain) applyOne(p Processor, span *tracing.Span) (out *tracing.Span) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("span processor panicked, skipping it",
				"processor", p.Name(), "panic", r)
			out = span
		}
	}()
	return p.Process(span)
}
