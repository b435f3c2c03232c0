// Package bridge contains the weather-wire bridge orchestrator. It wires
// together the NWWS-OI receiver, the pipeline manager with its filters,
// transformers, and outputs, and the metrics HTTP server, managing their
// lifecycle through a shared context.
//
// # Composition
//
// New builds everything from a resolved configuration: the UGC name table,
// the stage registry with the stock types plus the mqtt and database
// outputs, one pipeline per entry in the composition (the optional YAML
// file, or the single env-derived pipeline), the receiver, and the HTTP
// server. Run then drives it all until the context ends.
//
// # Shutdown
//
// On cancellation the receiver leaves the product room first, the
// pipelines drain within the shutdown timeout, and the HTTP server stops
// last so the probes and metric exports cover the whole drain.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wxwire/bridge/internal/config"
	"github.com/wxwire/bridge/internal/dedupe"
	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/httpserver"
	"github.com/wxwire/bridge/internal/metrics"
	"github.com/wxwire/bridge/internal/pipeline"
	"github.com/wxwire/bridge/internal/receiver"
	"github.com/wxwire/bridge/internal/ugc"
)

// DefaultMonitorInterval is how often the bridge publishes queue depth and
// dedupe cache gauges.
const DefaultMonitorInterval = 10 * time.Second

// Ingestor is the feed client the bridge supervises; *receiver.Receiver
// implements it.
type Ingestor interface {
	// Run blocks until ctx is cancelled, reconnecting internally.
	Run(ctx context.Context) error
	// State reports the connection lifecycle position.
	State() receiver.State
	// Stats returns counters for health reporting.
	Stats() receiver.Stats
}

// Bridge is the assembled process: receiver, pipelines, and HTTP server.
// Create with New, drive with Run.
type Bridge struct {
	cfg     *config.Config
	base    *slog.Logger
	logger  *slog.Logger
	version string

	registry *metrics.Registry
	status   *metrics.Collector

	manager *pipeline.Manager
	ingest  Ingestor
	httpSrv *httpserver.Server

	pipelineFile *config.PipelineFile
	setup        func(*pipeline.Registry) error

	// dups maps "<pipeline>.<filter>" to the duplicate filter's cache so
	// the monitor can gauge its size and age.
	dups map[string]*dedupe.Cache

	monitorInterval time.Duration

	startedAt time.Time
	started   atomic.Bool
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithVersion sets the version string reported on /health and in logs.
func WithVersion(v string) Option {
	return func(b *Bridge) {
		if v != "" {
			b.version = v
		}
	}
}

// WithPipelines replaces the env-derived default composition with an
// explicit pipeline file.
func WithPipelines(pf *config.PipelineFile) Option {
	return func(b *Bridge) { b.pipelineFile = pf }
}

// WithIngestor substitutes the feed client; tests use it to drive the
// bridge without an XMPP server.
func WithIngestor(in Ingestor) Option {
	return func(b *Bridge) { b.ingest = in }
}

// WithRegistrySetup runs fn against the stage registry after the stock
// types are installed, so callers can add their own filter, transformer,
// or output types before the pipelines are built.
func WithRegistrySetup(fn func(*pipeline.Registry) error) Option {
	return func(b *Bridge) { b.setup = fn }
}

// WithMonitorInterval overrides the gauge publishing interval.
func WithMonitorInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.monitorInterval = d
		}
	}
}

// New assembles a bridge from cfg. It loads the UGC table, builds the
// stage registry and every configured pipeline, and constructs the
// receiver and HTTP server; network connections to the broker and feed
// are not attempted until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bridge: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		cfg:             cfg,
		base:            logger,
		logger:          logger.With(slog.String("component", "bridge")),
		version:         "dev",
		dups:            make(map[string]*dedupe.Cache),
		monitorInterval: DefaultMonitorInterval,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.registry = metrics.NewRegistry()
	b.status = metrics.NewCollector(b.registry, "bridge")
	b.status.Help("queue_depth", "Events waiting in each pipeline queue.")
	b.status.Help("dedupe_entries", "Product ids currently tracked per duplicate filter.")
	b.status.Help("dedupe_oldest_age_seconds", "Age of the oldest tracked product id.")
	b.status.Help("uptime_seconds", "Seconds since the bridge started.")

	table, err := b.loadTable()
	if err != nil {
		return nil, err
	}

	reg := pipeline.NewRegistry()
	if err := pipeline.RegisterBuiltins(reg, table, b.base); err != nil {
		return nil, fmt.Errorf("bridge: register stage types: %w", err)
	}
	if err := b.registerSinks(reg); err != nil {
		return nil, err
	}
	if b.setup != nil {
		if err := b.setup(reg); err != nil {
			return nil, fmt.Errorf("bridge: registry setup: %w", err)
		}
	}

	pf := b.pipelineFile
	if pf == nil {
		pf = defaultPipelineFile(cfg)
	}

	pipeCol := metrics.NewCollector(b.registry, "pipeline")
	b.manager = pipeline.NewManager(
		pipeline.WithQueueCapacity(cfg.Queue.Size),
		pipeline.WithSubmitTimeout(cfg.Queue.SubmitTimeout),
		pipeline.WithManagerLogger(b.base),
		pipeline.WithManagerMetrics(pipeCol),
	)
	for _, spec := range pf.Pipelines {
		p, err := b.buildPipeline(reg, pipeCol, spec)
		if err != nil {
			return nil, fmt.Errorf("bridge: pipeline %q: %w", spec.ID, err)
		}
		if err := b.manager.Register(p); err != nil {
			return nil, fmt.Errorf("bridge: pipeline %q: %w", spec.ID, err)
		}
	}

	if b.ingest == nil {
		b.ingest = receiver.New(receiver.Config{
			Server:   cfg.NWWS.Server,
			Port:     cfg.NWWS.Port,
			Username: cfg.NWWS.Username,
			Password: cfg.NWWS.Password,
		}, b.manager, b.base,
			receiver.WithMetrics(metrics.NewCollector(b.registry, "nwws")))
	}

	if cfg.Metrics.Enabled {
		b.httpSrv = httpserver.New(httpserver.Config{
			Addr:    cfg.Metrics.Addr(),
			Service: "wxbridge",
			Version: b.version,
		}, b.registry, b.base,
			httpserver.WithReadiness(b.Ready),
			httpserver.WithDetails(b.statusDetails))
	}

	return b, nil
}

// loadTable loads the optional UGC name table; no path means an empty
// table and products keep their raw zone codes.
func (b *Bridge) loadTable() (*ugc.Table, error) {
	if b.cfg.UGCTablePath == "" {
		return ugc.Empty(), nil
	}
	table, err := ugc.Load(b.cfg.UGCTablePath)
	if err != nil {
		return nil, fmt.Errorf("bridge: load ugc table: %w", err)
	}
	b.logger.Info("ugc table loaded",
		slog.String("path", b.cfg.UGCTablePath),
		slog.Int("entries", table.Len()))
	return table, nil
}

// Registry exposes the metric registry, mainly so callers can export or
// inspect it.
func (b *Bridge) Registry() *metrics.Registry {
	return b.registry
}

// Submit hands an event to every pipeline, exactly as the receiver does.
func (b *Bridge) Submit(ctx context.Context, ev *event.Event) error {
	return b.manager.Submit(ctx, ev)
}

// Ready reports whether the bridge is ingesting: the pipelines are running
// and the receiver has joined the product room.
func (b *Bridge) Ready() bool {
	if !b.started.Load() {
		return false
	}
	switch b.ingest.State() {
	case receiver.StateJoined, receiver.StateRunning:
		return true
	default:
		return false
	}
}

// Run starts the pipelines and supervises the receiver, the gauge monitor,
// and the HTTP server until ctx is cancelled or a component fails. It
// returns nil on a clean shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.manager.Start(ctx); err != nil {
		return fmt.Errorf("bridge: start pipelines: %w", err)
	}
	b.startedAt = time.Now()
	b.started.Store(true)
	defer b.started.Store(false)

	b.logger.Info("bridge started",
		slog.String("version", b.version),
		slog.Int("pipelines", len(b.manager.Pipelines())),
		slog.Any("outputs", b.cfg.Outputs))

	// The HTTP server gets its own lifetime so the probes and /metrics
	// stay up while the pipelines drain.
	httpCtx, stopHTTP := context.WithCancel(context.Background())
	defer stopHTTP()
	httpDone := make(chan struct{})
	var httpErr error
	if b.httpSrv != nil {
		go func() {
			defer close(httpDone)
			httpErr = b.httpSrv.Run(httpCtx)
		}()
	} else {
		close(httpDone)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.ingest.Run(gctx)
	})
	g.Go(func() error {
		b.monitor(gctx)
		return nil
	})
	if b.httpSrv != nil {
		// Fold an HTTP listen failure into the group so it tears the
		// bridge down like any other fatal component error.
		g.Go(func() error {
			select {
			case <-httpDone:
				return httpErr
			case <-gctx.Done():
				return nil
			}
		})
	}

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
	defer cancel()
	if serr := b.manager.Stop(stopCtx); serr != nil && err == nil {
		err = serr
	}

	stopHTTP()
	<-httpDone
	if err == nil && httpErr != nil {
		err = httpErr
	}

	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	b.logger.Info("bridge stopped")
	return nil
}

// monitor publishes queue depth and dedupe cache gauges until ctx ends.
func (b *Bridge) monitor(ctx context.Context) {
	ticker := time.NewTicker(b.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishGauges()
		}
	}
}

func (b *Bridge) publishGauges() {
	for id, depth := range b.manager.QueueDepths() {
		b.status.Set("queue_depth", map[string]string{"pipeline": id}, float64(depth))
	}
	for key, cache := range b.dups {
		labels := map[string]string{"filter": key}
		b.status.Set("dedupe_entries", labels, float64(cache.Size()))
		b.status.Set("dedupe_oldest_age_seconds", labels, cache.OldestAge().Seconds())
	}
	b.status.Set("uptime_seconds", nil, time.Since(b.startedAt).Seconds())
}

// statusDetails is merged into the /ready payload.
func (b *Bridge) statusDetails() map[string]any {
	stats := b.ingest.Stats()
	pipelines := make(map[string]any)
	for _, p := range b.manager.Pipelines() {
		st := p.Stats()
		pipelines[p.ID()] = map[string]any{
			"processed": st.Processed,
			"delivered": st.Delivered,
			"filtered":  st.Filtered,
			"failed":    st.Failed,
		}
	}
	details := map[string]any{
		"receiver":  stats,
		"queues":    b.manager.QueueDepths(),
		"pipelines": pipelines,
	}
	if b.started.Load() {
		details["uptime_s"] = time.Since(b.startedAt).Seconds()
	}
	return details
}
