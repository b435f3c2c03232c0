// Package pipeline runs events through ordered filters, an optional
// transformer chain, and concurrent outputs.
//
// # Processing model
//
// A Pipeline is reentrant across events, but each event passes through its
// stages sequentially: FILTER (registration order, first false
// short-circuits), TRANSFORM (the transformer's result replaces the
// event), OUTPUT (all outputs concurrently behind a WaitGroup barrier;
// every error is recorded, the first is returned).  Stage transitions
// advance the event metadata, so each stage sees a copy with the same
// event_id/trace_id and a fresh timestamp.
//
// # Error handling
//
// Every stage call runs through a Handler keyed by "<stage>.<id>", which
// applies the configured strategy: fail fast, continue, retry with
// backoff, or a circuit breaker.  See Handler.
//
// # Fan-in
//
// A Manager owns one bounded FIFO queue and one worker goroutine per
// pipeline and broadcasts submitted events to all of them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/filter"
	"github.com/wxwire/bridge/internal/metrics"
	"github.com/wxwire/bridge/internal/output"
	"github.com/wxwire/bridge/internal/transform"
)

// Pipeline owns an ordered list of filters, zero or one transformer, and
// a list of outputs.  Zero value is not usable; construct with New.
type Pipeline struct {
	id          string
	filters     []filter.Filter
	transformer transform.Transformer
	outputs     []output.Output
	handler     *Handler
	log         *slog.Logger
	metrics     *metrics.Collector

	started atomic.Bool

	processed atomic.Uint64
	delivered atomic.Uint64
	filtered  atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFilters appends filters in evaluation order.
func WithFilters(fs ...filter.Filter) Option {
	return func(p *Pipeline) { p.filters = append(p.filters, fs...) }
}

// WithTransformer sets the pipeline's single transformer (possibly a
// transform.Chain).
func WithTransformer(t transform.Transformer) Option {
	return func(p *Pipeline) { p.transformer = t }
}

// WithOutputs appends outputs in registration order.
func WithOutputs(os ...output.Output) Option {
	return func(p *Pipeline) { p.outputs = append(p.outputs, os...) }
}

// WithErrorHandler sets the stage error handler.
func WithErrorHandler(h *Handler) Option {
	return func(p *Pipeline) { p.handler = h }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics records per-stage and per-event operations on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = c }
}

// New assembles a pipeline.  Unconfigured pieces default to: no filters,
// no transformer, no outputs, fail-fast error handling, slog.Default().
func New(id string, opts ...Option) *Pipeline {
	if id == "" {
		id = "pipeline"
	}
	p := &Pipeline{id: id}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With(slog.String("pipeline", p.id))
	if p.handler == nil {
		p.handler = NewHandler(p.log)
	}
	return p
}

// ID returns the pipeline identifier.
func (p *Pipeline) ID() string { return p.id }

// Start starts every output sequentially.  The first failure aborts
// startup and is returned; outputs already started stay started, so the
// caller must Stop the pipeline even after a failed Start.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.started.Swap(true) {
		return nil
	}
	for _, o := range p.outputs {
		if err := o.Start(ctx); err != nil {
			return fmt.Errorf("pipeline %s: start output %s: %w", p.id, o.ID(), err)
		}
	}
	p.log.Info("pipeline started",
		slog.Int("filters", len(p.filters)),
		slog.Bool("transformer", p.transformer != nil),
		slog.Int("outputs", len(p.outputs)))
	return nil
}

// Stop stops every output sequentially, logging stop errors without
// propagating them.  Safe to call more than once.
func (p *Pipeline) Stop(ctx context.Context) {
	if !p.started.Swap(false) {
		return
	}
	for _, o := range p.outputs {
		if err := o.Stop(ctx); err != nil {
			p.log.Error("pipeline: output stop failed",
				slog.String("output", o.ID()),
				slog.Any("error", err))
		}
	}
	p.log.Info("pipeline stopped")
}

// Process runs one event through the pipeline.  It returns true when the
// event was dispatched to every output, false when a filter dropped it.
// A filter or transformer error aborts the event; output errors are all
// recorded and the first is returned after every output has been
// attempted.
func (p *Pipeline) Process(ctx context.Context, ev *event.Event) (bool, error) {
	if ev == nil {
		return false, fmt.Errorf("pipeline %s: nil event", p.id)
	}
	p.processed.Add(1)
	start := time.Now()
	delivered, err := p.process(ctx, ev)
	if p.metrics != nil {
		p.metrics.RecordOperation("process", err == nil, time.Since(start),
			map[string]string{"pipeline": p.id})
	}
	if err != nil {
		p.failed.Add(1)
	}
	return delivered, err
}

func (p *Pipeline) process(ctx context.Context, ev *event.Event) (bool, error) {
	cur := ev.Advance(event.StageFilter, "pipeline."+p.id)
	for _, f := range p.filters {
		pass, err := p.runFilter(ctx, f, cur)
		if err != nil {
			return false, err
		}
		if !pass {
			cur.Meta.Annotate("filtered_by", f.ID())
			p.filtered.Add(1)
			p.log.Debug("event filtered",
				slog.String("event_id", cur.Meta.EventID),
				slog.String("trace_id", cur.Meta.TraceID),
				slog.String("filter", f.ID()),
				slog.String("product_id", cur.ProductID))
			return false, nil
		}
	}

	if p.transformer != nil {
		next, err := p.runTransformer(ctx, cur)
		if err != nil {
			return false, err
		}
		cur = next
	}

	return p.runOutputs(ctx, cur)
}

// runFilter applies one filter under the error handler.  An error the
// handler swallows counts as an abstention: the event passes.
func (p *Pipeline) runFilter(ctx context.Context, f filter.Filter, ev *event.Event) (bool, error) {
	var pass bool
	var opErr error
	start := time.Now()
	err := p.handler.Execute(ctx, event.StageFilter, f.ID(), ev, func(c context.Context) error {
		pass, opErr = f.Allow(c, ev)
		return opErr
	})
	d := time.Since(start)
	ev.Meta.Annotate(f.ID()+"_duration_ms", durationMillis(d))
	p.recordStage("filter", f.ID(), err == nil, d)
	if err != nil {
		return false, err
	}
	if opErr != nil {
		pass = true
	}
	return pass, nil
}

// runTransformer applies the transformer under the error handler.  On a
// swallowed error the untransformed event continues downstream.
func (p *Pipeline) runTransformer(ctx context.Context, ev *event.Event) (*event.Event, error) {
	t := p.transformer
	cur := ev.Advance(event.StageTransform, "pipeline."+p.id)
	var next *event.Event
	start := time.Now()
	err := p.handler.Execute(ctx, event.StageTransform, t.ID(), cur, func(c context.Context) error {
		var terr error
		next, terr = t.Transform(c, cur)
		return terr
	})
	d := time.Since(start)
	p.recordStage("transform", t.ID(), err == nil, d)
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = cur
	}
	next.Meta.Annotate(t.ID()+"_duration_ms", durationMillis(d))
	next.Meta.Annotate("transformed_by", t.ID())
	return next, nil
}

// runOutputs dispatches the event to every output concurrently and waits
// for all of them.  Annotations happen after the barrier so the shared
// metadata map is never written concurrently.
func (p *Pipeline) runOutputs(ctx context.Context, ev *event.Event) (bool, error) {
	cur := ev.Advance(event.StageOutput, "pipeline."+p.id)
	if len(p.outputs) == 0 {
		p.delivered.Add(1)
		return true, nil
	}

	errs := make([]error, len(p.outputs))
	durs := make([]time.Duration, len(p.outputs))
	var wg sync.WaitGroup
	for i, o := range p.outputs {
		wg.Add(1)
		go func(i int, o output.Output) {
			defer wg.Done()
			start := time.Now()
			errs[i] = p.handler.Execute(ctx, event.StageOutput, o.ID(), cur, func(c context.Context) error {
				return o.Send(c, cur)
			})
			durs[i] = time.Since(start)
		}(i, o)
	}
	wg.Wait()

	var firstErr error
	var failedIDs []string
	for i, o := range p.outputs {
		cur.Meta.Annotate(o.ID()+"_duration_ms", durationMillis(durs[i]))
		p.recordStage("output", o.ID(), errs[i] == nil, durs[i])
		if errs[i] == nil {
			continue
		}
		failedIDs = append(failedIDs, o.ID())
		if firstErr == nil {
			firstErr = errs[i]
			continue
		}
		p.log.Error("additional output error",
			slog.String("event_id", cur.Meta.EventID),
			slog.String("trace_id", cur.Meta.TraceID),
			slog.String("output", o.ID()),
			slog.Any("error", errs[i]))
	}
	if firstErr != nil {
		cur.Meta.Annotate("output_errors", failedIDs)
		return false, firstErr
	}
	p.delivered.Add(1)
	return true, nil
}

func (p *Pipeline) recordStage(stage, id string, success bool, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordOperation(stage, success, d,
		map[string]string{"pipeline": p.id, "stage_id": id})
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Processed uint64
	Delivered uint64
	Filtered  uint64
	Failed    uint64
}

// Stats returns the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Delivered: p.delivered.Load(),
		Filtered:  p.filtered.Load(),
		Failed:    p.failed.Load(),
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
