package metrics

import (
	"strconv"
	"time"
)

// Collector scopes registry writes under a component prefix and provides
// the higher-level recording helpers used by pipeline stages, outputs, and
// the receiver.
type Collector struct {
	registry *Registry
	prefix   string
}

// NewCollector returns a collector writing metrics named
// "<prefix>_<suffix>" into r.
func NewCollector(r *Registry, prefix string) *Collector {
	c := &Collector{registry: r, prefix: prefix}
	r.Help(c.name("operations_total"), "Operations attempted, by operation and success.")
	r.Help(c.name("operation_duration_ms"), "Operation latency in milliseconds.")
	r.Help(c.name("errors_total"), "Errors encountered, by error type and operation.")
	r.Help(c.name("status"), "Component status value.")
	return c
}

// Registry exposes the underlying registry for callers that need raw
// access alongside the helpers.
func (c *Collector) Registry() *Registry {
	return c.registry
}

func (c *Collector) name(suffix string) string {
	return c.prefix + "_" + suffix
}

// RecordOperation counts one operation attempt and observes its duration.
func (c *Collector) RecordOperation(op string, success bool, d time.Duration, labels map[string]string) {
	countLabels := mergeLabels(labels, map[string]string{
		"operation": op,
		"success":   strconv.FormatBool(success),
	})
	c.registry.Inc(c.name("operations_total"), countLabels, 1)

	durLabels := mergeLabels(labels, map[string]string{"operation": op})
	c.registry.Observe(c.name("operation_duration_ms"), durLabels, durationMillis(d), nil)
}

// RecordError counts one error by type and operation.
func (c *Collector) RecordError(errType, op string, labels map[string]string) {
	c.registry.Inc(c.name("errors_total"), mergeLabels(labels, map[string]string{
		"error_type": errType,
		"operation":  op,
	}), 1)
}

// UpdateStatus sets a component status gauge (1 up / 0 down, queue depths,
// circuit states).
func (c *Collector) UpdateStatus(component string, value float64, labels map[string]string) {
	c.registry.Set(c.name("status"), mergeLabels(labels, map[string]string{
		"component": component,
	}), value)
}

// Inc increments a prefixed counter for component-specific series beyond
// the standard helpers.
func (c *Collector) Inc(suffix string, labels map[string]string, delta float64) {
	c.registry.Inc(c.name(suffix), labels, delta)
}

// Set stores a prefixed gauge value.
func (c *Collector) Set(suffix string, labels map[string]string, value float64) {
	c.registry.Set(c.name(suffix), labels, value)
}

// Observe records a prefixed histogram observation with default buckets.
func (c *Collector) Observe(suffix string, labels map[string]string, value float64) {
	c.registry.Observe(c.name(suffix), labels, value, nil)
}

// Help registers HELP text for a prefixed metric name.
func (c *Collector) Help(suffix, text string) {
	c.registry.Help(c.name(suffix), text)
}

// StartTimer begins timing an operation; Stop records it.
func (c *Collector) StartTimer(op string, labels map[string]string) *Timer {
	return &Timer{collector: c, op: op, labels: labels, start: time.Now()}
}

// Timer measures one operation from StartTimer to Stop.
type Timer struct {
	collector *Collector
	op        string
	labels    map[string]string
	start     time.Time
	stopped   bool
}

// Stop records the elapsed duration with the given outcome and returns it.
// Second and later calls are no-ops returning zero.
func (t *Timer) Stop(success bool) time.Duration {
	if t.stopped {
		return 0
	}
	t.stopped = true
	elapsed := time.Since(t.start)
	t.collector.RecordOperation(t.op, success, elapsed, t.labels)
	return elapsed
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func mergeLabels(base, extra map[string]string) map[string]string {
	if len(base) == 0 {
		return extra
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
