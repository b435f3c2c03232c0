package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ContentTypePrometheus is the Content-Type for the text exposition
// format.
const ContentTypePrometheus = "text/plain; version=0.0.4; charset=utf-8"

// WritePrometheus renders a point-in-time snapshot of the registry in the
// Prometheus text exposition format: one HELP/TYPE pair per metric name,
// series in sorted order, labels in sorted order.
func WritePrometheus(w io.Writer, r *Registry) error {
	snapshot := r.Snapshot()
	lastName := ""
	for _, m := range snapshot {
		if m.Name != lastName {
			if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n",
				m.Name, r.helpFor(m.Name), m.Name, m.Kind); err != nil {
				return err
			}
			lastName = m.Name
		}

		var err error
		switch m.Kind {
		case KindHistogram:
			err = writeHistogram(w, m)
		default:
			_, err = fmt.Fprintf(w, "%s%s %s\n", m.Name, renderLabels(m.Labels), formatFloat(m.Value))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeHistogram emits cumulative le buckets followed by sum and count.
func writeHistogram(w io.Writer, m Metric) error {
	cumulative := uint64(0)
	for _, b := range m.Buckets {
		cumulative += b.Count
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n",
			m.Name, renderLabelsLE(m.Labels, formatFloat(b.UpperBound)), cumulative); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n",
		m.Name, renderLabelsLE(m.Labels, "+Inf"), m.Count); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s_sum%s %s\n", m.Name, renderLabels(m.Labels), formatFloat(m.Sum)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s_count%s %d\n", m.Name, renderLabels(m.Labels), m.Count)
	return err
}

// renderLabels formats {k="v",...} in sorted key order; an empty label set
// renders as an empty string.
func renderLabels(labels map[string]string) string {
	return renderPairs(labelPairs(labels))
}

// renderLabelsLE renders labels with a trailing le bound appended, as used
// on histogram bucket lines.
func renderLabelsLE(labels map[string]string, le string) string {
	return renderPairs(append(labelPairs(labels), fmt.Sprintf("le=%q", le)))
}

func labelPairs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return pairs
}

func renderPairs(pairs []string) string {
	if len(pairs) == 0 {
		return ""
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// --- JSON export --------------------------------------------------------------

// JSONSnapshot is the body served by /metrics/json.
type JSONSnapshot struct {
	Timestamp string       `json:"timestamp"`
	Metrics   []JSONMetric `json:"metrics"`
}

// JSONMetric is one series in a JSON snapshot.  Value is a float for
// counters and gauges and a JSONHistogram for histograms.
type JSONMetric struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Type   string            `json:"type"`
	Value  any               `json:"value"`
}

// JSONHistogram is the histogram value shape in a JSON snapshot.
type JSONHistogram struct {
	Count   uint64       `json:"count"`
	Sum     float64      `json:"sum"`
	Buckets []JSONBucket `json:"buckets"`
}

// JSONBucket carries a cumulative count at an upper bound.
type JSONBucket struct {
	LE    float64 `json:"le"`
	Count uint64  `json:"count"`
}

// ExportJSON builds the JSON snapshot of the registry.
func ExportJSON(r *Registry) JSONSnapshot {
	snapshot := r.Snapshot()
	out := JSONSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metrics:   make([]JSONMetric, 0, len(snapshot)),
	}
	for _, m := range snapshot {
		jm := JSONMetric{Name: m.Name, Labels: m.Labels, Type: m.Kind.String()}
		switch m.Kind {
		case KindHistogram:
			h := JSONHistogram{Count: m.Count, Sum: m.Sum}
			cumulative := uint64(0)
			for _, b := range m.Buckets {
				cumulative += b.Count
				h.Buckets = append(h.Buckets, JSONBucket{LE: b.UpperBound, Count: cumulative})
			}
			jm.Value = h
		default:
			jm.Value = m.Value
		}
		out.Metrics = append(out.Metrics, jm)
	}
	return out
}
