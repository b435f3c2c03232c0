// Package metrics implements the bridge's operational metrics: a
// thread-safe registry of named, labeled counters, gauges, and histograms,
// prefix-scoped collectors with operation/error/status helpers, and
// Prometheus-text and JSON exporters over point-in-time snapshots.
//
// Metrics are keyed by (name, sorted labels).  Counters are monotonic;
// a negative increment is dropped.  A name keeps the kind it was first
// written with; operations of a mismatched kind are dropped rather than
// corrupting the series.
package metrics

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Kind identifies a metric type.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
)

// String returns the Prometheus type name.
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	default:
		return "untyped"
	}
}

// DefBuckets are the default histogram bounds in milliseconds.
var DefBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Bucket is one histogram bucket in a snapshot: the count of observations
// at or below UpperBound (non-cumulative; exporters accumulate).
type Bucket struct {
	UpperBound float64
	Count      uint64
}

// Metric is one snapshot entry.
type Metric struct {
	Name   string
	Kind   Kind
	Labels map[string]string

	// Value holds the counter or gauge value.
	Value float64

	// Sum, Count, and Buckets hold histogram state.
	Sum     float64
	Count   uint64
	Buckets []Bucket
}

type metricKey struct {
	name   string
	labels string
}

type series struct {
	kind   Kind
	labels map[string]string

	value float64

	bounds []float64
	counts []uint64
	sum    float64
	count  uint64
}

// Registry is the process-wide metric store.  The zero value is not
// usable; construct with NewRegistry and thread it through constructors.
type Registry struct {
	mu     sync.RWMutex
	series map[metricKey]*series
	help   map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		series: make(map[metricKey]*series),
		help:   make(map[string]string),
	}
}

// Help registers the HELP text rendered for name by the Prometheus
// exporter.  Unregistered names fall back to the name itself.
func (r *Registry) Help(name, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.help[name] = text
}

// Inc adds delta to a counter.  Negative deltas are dropped to keep
// counters monotonic.
func (r *Registry) Inc(name string, labels map[string]string, delta float64) {
	if delta < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.upsert(name, labels, KindCounter)
	if s == nil || s.kind != KindCounter {
		return
	}
	s.value += delta
}

// Set stores the current value of a gauge.
func (r *Registry) Set(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.upsert(name, labels, KindGauge)
	if s == nil || s.kind != KindGauge {
		return
	}
	s.value = value
}

// Observe records one histogram observation.  Buckets are fixed by the
// first observation of a series; pass nil to use DefBuckets.
func (r *Registry) Observe(name string, labels map[string]string, value float64, buckets []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.upsert(name, labels, KindHistogram)
	if s == nil || s.kind != KindHistogram {
		return
	}
	if s.bounds == nil {
		if buckets == nil {
			buckets = DefBuckets
		}
		s.bounds = append([]float64(nil), buckets...)
		sort.Float64s(s.bounds)
		s.counts = make([]uint64, len(s.bounds))
	}
	for i, bound := range s.bounds {
		if value <= bound {
			s.counts[i]++
			break
		}
	}
	s.sum += value
	s.count++
}

// upsert finds or creates the series for (name, labels).  Callers hold the
// write lock.
func (r *Registry) upsert(name string, labels map[string]string, kind Kind) *series {
	clean := sanitizeLabels(labels)
	key := metricKey{name: name, labels: canonicalLabels(clean)}
	s, ok := r.series[key]
	if !ok {
		s = &series{kind: kind, labels: clean}
		r.series[key] = s
	}
	return s
}

// Len reports the number of distinct series.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.series)
}

// Snapshot returns a point-in-time copy of every series, ordered by name
// and then by canonical label string.
func (r *Registry) Snapshot() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metric, 0, len(r.series))
	for key, s := range r.series {
		m := Metric{
			Name:   key.name,
			Kind:   s.kind,
			Labels: copyLabels(s.labels),
			Value:  s.value,
			Sum:    s.sum,
			Count:  s.count,
		}
		if s.kind == KindHistogram && s.bounds != nil {
			m.Buckets = make([]Bucket, len(s.bounds))
			for i, bound := range s.bounds {
				m.Buckets[i] = Bucket{UpperBound: bound, Count: s.counts[i]}
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return canonicalLabels(out[i].Labels) < canonicalLabels(out[j].Labels)
	})
	return out
}

// helpFor returns the registered HELP text, falling back to the name.
func (r *Registry) helpFor(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.help[name]; ok {
		return h
	}
	return name
}

// --- labels ------------------------------------------------------------------

var labelValueRE = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// maxLabelValueLen bounds label values so unbounded wire input (product
// ids, office codes) cannot explode series cardinality storage.
const maxLabelValueLen = 64

// SanitizeLabelValue maps a raw value to the restricted label charset:
// every character outside [a-zA-Z0-9_-] becomes '_', and the result is
// truncated to 64 characters.
func SanitizeLabelValue(v string) string {
	v = labelValueRE.ReplaceAllString(v, "_")
	if len(v) > maxLabelValueLen {
		v = v[:maxLabelValueLen]
	}
	return v
}

func sanitizeLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	clean := make(map[string]string, len(labels))
	for k, v := range labels {
		clean[k] = SanitizeLabelValue(v)
	}
	return clean
}

// canonicalLabels renders labels as "k1=v1,k2=v2" with keys sorted, the
// form used in series keys and snapshot ordering.
func canonicalLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
