package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/metrics"
)

// Strategy selects how a stage's errors are handled.
type Strategy int

const (
	// FailFast re-raises the first error immediately.
	FailFast Strategy = iota
	// Continue records the error and swallows it.
	Continue
	// Retry re-attempts transient errors with exponential backoff.
	Retry
	// CircuitBreaker trips open after consecutive failures and fails
	// fast until the open timeout elapses.
	CircuitBreaker
)

func (s Strategy) String() string {
	switch s {
	case FailFast:
		return "fail_fast"
	case Continue:
		return "continue"
	case Retry:
		return "retry"
	case CircuitBreaker:
		return "circuit_breaker"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a config string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail_fast", "":
		return FailFast, nil
	case "continue":
		return Continue, nil
	case "retry":
		return Retry, nil
	case "circuit_breaker":
		return CircuitBreaker, nil
	default:
		return FailFast, fmt.Errorf("pipeline: unknown error strategy %q", s)
	}
}

// Default policy knobs applied when a Policy leaves them zero.
const (
	DefaultMaxRetries       = 3
	DefaultRetryBase        = 500 * time.Millisecond
	DefaultRetryMultiplier  = 2.0
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 60 * time.Second
)

// Policy configures one stage-id's error handling.
type Policy struct {
	Strategy Strategy

	// Retry knobs: the k-th retry waits RetryBase * RetryMultiplier^(k-1).
	MaxRetries      int
	RetryBase       time.Duration
	RetryMultiplier float64

	// Breaker knobs: open after BreakerThreshold consecutive failures,
	// admit one probe call after BreakerTimeout.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.RetryBase <= 0 {
		p.RetryBase = DefaultRetryBase
	}
	if p.RetryMultiplier <= 0 {
		p.RetryMultiplier = DefaultRetryMultiplier
	}
	if p.BreakerThreshold == 0 {
		p.BreakerThreshold = DefaultBreakerThreshold
	}
	if p.BreakerTimeout <= 0 {
		p.BreakerTimeout = DefaultBreakerTimeout
	}
	return p
}

// Key names the error-handler scope for a stage unit, e.g. "output.mqtt".
func Key(stage event.Stage, stageID string) string {
	return stage.String() + "." + stageID
}

// Handler applies per-stage-id error policies around pipeline operations.
// Breaker and last-error state live here so they survive across events.
type Handler struct {
	log      *slog.Logger
	metrics  *metrics.Collector
	fallback Policy

	mu       sync.Mutex
	policies map[string]Policy
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
	openedAt map[string]time.Time
	lastErr  map[string]error
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithDefaultPolicy sets the policy used for stage-ids without one of
// their own.
func WithDefaultPolicy(p Policy) HandlerOption {
	return func(h *Handler) { h.fallback = p.withDefaults() }
}

// WithPolicy pins a policy to one stage-id key (see Key).
func WithPolicy(key string, p Policy) HandlerOption {
	return func(h *Handler) { h.policies[key] = p.withDefaults() }
}

// WithHandlerMetrics records handled errors and breaker state changes on c.
func WithHandlerMetrics(c *metrics.Collector) HandlerOption {
	return func(h *Handler) { h.metrics = c }
}

// NewHandler returns a Handler whose unconfigured stage-ids fail fast.
func NewHandler(logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		log:      logger,
		fallback: Policy{Strategy: FailFast}.withDefaults(),
		policies: make(map[string]Policy),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		openedAt: make(map[string]time.Time),
		lastErr:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetPolicy replaces the policy for key at runtime.
func (h *Handler) SetPolicy(key string, p Policy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policies[key] = p.withDefaults()
}

func (h *Handler) policy(key string) Policy {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.policies[key]; ok {
		return p
	}
	return h.fallback
}

// LastError returns the most recent error recorded for a stage-id.
func (h *Handler) LastError(stage event.Stage, stageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr[Key(stage, stageID)]
}

// CircuitState reports the breaker state for a stage-id: "closed",
// "half-open", or "open".  Stage-ids without a breaker are closed.
func (h *Handler) CircuitState(stage event.Stage, stageID string) string {
	h.mu.Lock()
	cb := h.breakers[Key(stage, stageID)]
	h.mu.Unlock()
	if cb == nil {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// Execute runs op under the policy configured for the stage-id and
// returns nil, the original decision untouched, or a *StageError.
func (h *Handler) Execute(ctx context.Context, stage event.Stage, stageID string, ev *event.Event, op func(context.Context) error) error {
	key := Key(stage, stageID)
	pol := h.policy(key)

	switch pol.Strategy {
	case Continue:
		if err := op(ctx); err != nil {
			h.record(key, err)
			h.log.Warn("pipeline: error swallowed",
				slog.String("stage", stage.String()),
				slog.String("stage_id", stageID),
				slog.String("event_id", eventID(ev)),
				slog.String("trace_id", traceID(ev)),
				slog.String("error_type", errorType(err)),
				slog.Any("error", err))
		}
		return nil
	case Retry:
		return h.retry(ctx, key, stage, stageID, ev, pol, op)
	case CircuitBreaker:
		return h.executeBreaker(ctx, key, stage, stageID, ev, pol, op)
	default:
		if err := op(ctx); err != nil {
			h.record(key, err)
			return h.wrap(stage, stageID, ev, err)
		}
		return nil
	}
}

func (h *Handler) retry(ctx context.Context, key string, stage event.Stage, stageID string, ev *event.Event, pol Policy, op func(context.Context) error) error {
	delay := pol.RetryBase
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		h.record(key, err)
		if !IsTransient(err) || attempt >= pol.MaxRetries {
			break
		}
		h.log.Warn("pipeline: retrying after transient error",
			slog.String("stage", stage.String()),
			slog.String("stage_id", stageID),
			slog.String("event_id", eventID(ev)),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return h.wrap(stage, stageID, ev, ctx.Err())
		}
		delay = time.Duration(float64(delay) * pol.RetryMultiplier)
	}
	return h.wrap(stage, stageID, ev, err)
}

func (h *Handler) executeBreaker(ctx context.Context, key string, stage event.Stage, stageID string, ev *event.Event, pol Policy, op func(context.Context) error) error {
	cb := h.breakerFor(key, pol)
	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		h.mu.Lock()
		opened := h.openedAt[key]
		h.mu.Unlock()
		cerr := &CircuitOpenError{FailedAtStage: stage, StageID: stageID, OpenedAt: opened}
		h.record(key, cerr)
		return h.wrap(stage, stageID, ev, cerr)
	}
	h.record(key, err)
	return h.wrap(stage, stageID, ev, err)
}

func (h *Handler) breakerFor(key string, pol Policy) *gobreaker.CircuitBreaker[struct{}] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     pol.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= pol.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.onBreakerChange(name, from, to)
		},
	})
	h.breakers[key] = cb
	return cb
}

func (h *Handler) onBreakerChange(name string, from, to gobreaker.State) {
	now := time.Now().UTC()
	h.mu.Lock()
	if to == gobreaker.StateOpen {
		h.openedAt[name] = now
	}
	h.mu.Unlock()
	h.log.Warn("pipeline: circuit state change",
		slog.String("stage_id", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if h.metrics != nil {
		h.metrics.UpdateStatus("circuit."+name, breakerStateValue(to), nil)
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

func (h *Handler) record(key string, err error) {
	h.mu.Lock()
	h.lastErr[key] = err
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.RecordError(errorType(err), key, nil)
	}
}

func (h *Handler) wrap(stage event.Stage, stageID string, ev *event.Event, err error) error {
	return &StageError{Stage: stage, StageID: stageID, EventID: eventID(ev), Err: err}
}

func eventID(ev *event.Event) string {
	if ev == nil {
		return ""
	}
	return ev.Meta.EventID
}

func traceID(ev *event.Event) string {
	if ev == nil {
		return ""
	}
	return ev.Meta.TraceID
}
