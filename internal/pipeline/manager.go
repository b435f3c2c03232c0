package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/metrics"
	"github.com/wxwire/bridge/internal/queue"
)

// ErrNotStarted is returned by Submit before Start or after Stop.
var ErrNotStarted = errors.New("pipeline: manager not started")

// DefaultProcessTimeout bounds one event's trip through one pipeline.
const DefaultProcessTimeout = 30 * time.Second

// Manager fans submitted events out to its registered pipelines.  Each
// pipeline gets a bounded FIFO queue and a worker goroutine that drains
// it, so a slow pipeline exerts backpressure on its own queue without
// stalling the others.
type Manager struct {
	log     *slog.Logger
	metrics *metrics.Collector

	queueCap       int
	submitTimeout  time.Duration
	processTimeout time.Duration

	mu        sync.Mutex
	pipelines []*Pipeline
	queues    map[string]*queue.Queue
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithQueueCapacity bounds each pipeline's ingest queue.
func WithQueueCapacity(n int) ManagerOption {
	return func(m *Manager) { m.queueCap = n }
}

// WithSubmitTimeout bounds how long Submit blocks on a full queue.
func WithSubmitTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.submitTimeout = d }
}

// WithProcessTimeout bounds one event's processing in a worker.
// Non-positive disables the per-event deadline.
func WithProcessTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.processTimeout = d }
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithManagerMetrics publishes queue depth and backpressure counters on c.
func WithManagerMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// NewManager returns an empty manager; add pipelines with Register.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		queueCap:       queue.DefaultCapacity,
		submitTimeout:  queue.DefaultSubmitTimeout,
		processTimeout: DefaultProcessTimeout,
		queues:         make(map[string]*queue.Queue),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Register adds a pipeline.  Must be called before Start; pipeline ids
// must be unique.
func (m *Manager) Register(p *Pipeline) error {
	if p == nil {
		return errors.New("pipeline: register nil pipeline")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("pipeline: register %s: manager already started", p.ID())
	}
	for _, existing := range m.pipelines {
		if existing.ID() == p.ID() {
			return fmt.Errorf("pipeline: duplicate pipeline id %q", p.ID())
		}
	}
	m.pipelines = append(m.pipelines, p)
	return nil
}

// Pipelines returns the registered pipelines in registration order.
func (m *Manager) Pipelines() []*Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pipeline, len(m.pipelines))
	copy(out, m.pipelines)
	return out
}

// Start starts every registered pipeline, then one queue and worker per
// pipeline.  If any pipeline fails to start, the ones already started
// (including the failed one's partial outputs) are stopped and the error
// is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	for i, p := range m.pipelines {
		if err := p.Start(ctx); err != nil {
			for j := i; j >= 0; j-- {
				m.pipelines[j].Stop(ctx)
			}
			return fmt.Errorf("pipeline: manager start: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for _, p := range m.pipelines {
		q := queue.New(m.queueCap, queue.WithSubmitTimeout(m.submitTimeout))
		m.queues[p.ID()] = q
		m.wg.Add(1)
		go m.work(runCtx, p, q)
	}
	m.started = true
	m.log.Info("pipeline manager started",
		slog.Int("pipelines", len(m.pipelines)),
		slog.Int("queue_capacity", m.queueCap))
	return nil
}

// work drains one pipeline's queue until the queue closes or the run
// context is cancelled.  Cancellation abandons whatever is still queued;
// the leading check keeps a cancelled worker from racing the queue for
// another event.
func (m *Manager) work(ctx context.Context, p *Pipeline, q *queue.Queue) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case ev, ok := <-q.Events():
			if !ok {
				return
			}
			m.processOne(ctx, p, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) processOne(ctx context.Context, p *Pipeline, ev *event.Event) {
	pctx := ctx
	var cancel context.CancelFunc
	if m.processTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, m.processTimeout)
		defer cancel()
	}
	if _, err := p.Process(pctx, ev); err != nil {
		m.log.Error("event processing failed",
			slog.String("pipeline", p.ID()),
			slog.String("event_id", ev.Meta.EventID),
			slog.String("trace_id", ev.Meta.TraceID),
			slog.String("product_id", ev.ProductID),
			slog.Any("error", err))
	}
}

// Submit broadcasts one event to every pipeline queue.  A queue that
// stays full past the submit timeout counts as backpressure: the drop is
// logged and counted, the remaining queues still get the event, and the
// first failure is returned.
func (m *Manager) Submit(ctx context.Context, ev *event.Event) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	pipelines := make([]*Pipeline, len(m.pipelines))
	copy(pipelines, m.pipelines)
	queues := m.queues
	m.mu.Unlock()

	var firstErr error
	for _, p := range pipelines {
		q := queues[p.ID()]
		if err := q.Submit(ctx, ev); err != nil {
			m.log.Warn("queue submit failed",
				slog.String("pipeline", p.ID()),
				slog.String("event_id", ev.Meta.EventID),
				slog.String("product_id", ev.ProductID),
				slog.Any("error", err))
			if m.metrics != nil {
				m.metrics.Inc("backpressure_total",
					map[string]string{"pipeline": p.ID()}, 1)
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("pipeline: submit to %s: %w", p.ID(), err)
			}
		}
	}
	return firstErr
}

// Stop closes the queues, waits for the workers to drain them (bounded
// by ctx, after which queued events are abandoned), and stops every
// pipeline.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	pipelines := make([]*Pipeline, len(m.pipelines))
	copy(pipelines, m.pipelines)
	queues := m.queues
	m.queues = make(map[string]*queue.Queue)
	cancel := m.cancel
	m.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		m.log.Warn("shutdown deadline reached, abandoning queued events")
		cancel()
		<-drained
	}
	cancel()

	for _, p := range pipelines {
		p.Stop(ctx)
	}
	m.log.Info("pipeline manager stopped")
	return nil
}

// QueueDepths reports the current depth of each pipeline queue.
func (m *Manager) QueueDepths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	depths := make(map[string]int, len(m.queues))
	for id, q := range m.queues {
		depths[id] = q.Depth()
	}
	return depths
}

// QueueTimeouts reports the cumulative submit timeouts per pipeline queue.
func (m *Manager) QueueTimeouts() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	timeouts := make(map[string]int64, len(m.queues))
	for id, q := range m.queues {
		timeouts[id] = q.Timeouts()
	}
	return timeouts
}
