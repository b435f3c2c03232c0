package metrics_test

import (
	"strings"
	"testing"

	"github.com/wxwire/bridge/internal/metrics"
)

// ---------------------------------------------------------------------------
// Counters and gauges
// ---------------------------------------------------------------------------

func TestInc_Accumulates(t *testing.T) {
	r := metrics.NewRegistry()
	labels := map[string]string{"source": "receiver"}

	r.Inc("events_total", labels, 1)
	r.Inc("events_total", labels, 2)

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("series = %d, want 1", len(snap))
	}
	if snap[0].Value != 3 {
		t.Errorf("counter = %v, want 3", snap[0].Value)
	}
}

func TestInc_NegativeDeltaDropped(t *testing.T) {
	r := metrics.NewRegistry()
	r.Inc("events_total", nil, 5)
	r.Inc("events_total", nil, -3)

	if got := r.Snapshot()[0].Value; got != 5 {
		t.Errorf("counter = %v after negative delta, want 5", got)
	}
}

func TestSet_OverwritesGauge(t *testing.T) {
	r := metrics.NewRegistry()
	r.Set("queue_depth", nil, 10)
	r.Set("queue_depth", nil, 4)

	if got := r.Snapshot()[0].Value; got != 4 {
		t.Errorf("gauge = %v, want 4", got)
	}
}

func TestKindConflict_Dropped(t *testing.T) {
	r := metrics.NewRegistry()
	r.Inc("mixed", nil, 1)
	r.Set("mixed", nil, 99)

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("series = %d, want 1", len(snap))
	}
	if snap[0].Kind != metrics.KindCounter || snap[0].Value != 1 {
		t.Errorf("series = %v %v, want counter 1 (mismatched Set dropped)", snap[0].Kind, snap[0].Value)
	}
}

// ---------------------------------------------------------------------------
// Label handling
// ---------------------------------------------------------------------------

func TestLabels_SameSetIsOneSeries(t *testing.T) {
	r := metrics.NewRegistry()
	r.Inc("events_total", map[string]string{"a": "1", "b": "2"}, 1)
	r.Inc("events_total", map[string]string{"b": "2", "a": "1"}, 1)

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("series = %d, want 1 (label order must not matter)", len(snap))
	}
	if snap[0].Value != 2 {
		t.Errorf("counter = %v, want 2", snap[0].Value)
	}
}

func TestSanitizeLabelValue_Charset(t *testing.T) {
	got := metrics.SanitizeLabelValue("nwws@conference:weather gov/room")
	want := "nwws_conference_weather_gov_room"
	if got != want {
		t.Errorf("SanitizeLabelValue = %q, want %q", got, want)
	}
}

func TestSanitizeLabelValue_Truncates(t *testing.T) {
	long := strings.Repeat("a", 100)
	if got := metrics.SanitizeLabelValue(long); len(got) != 64 {
		t.Errorf("len = %d, want 64", len(got))
	}
}

// ---------------------------------------------------------------------------
// Histograms
// ---------------------------------------------------------------------------

func TestObserve_BucketsAndSum(t *testing.T) {
	r := metrics.NewRegistry()
	buckets := []float64{10, 100}

	r.Observe("duration_ms", nil, 5, buckets)
	r.Observe("duration_ms", nil, 50, buckets)
	r.Observe("duration_ms", nil, 500, buckets)

	snap := r.Snapshot()
	m := snap[0]
	if m.Count != 3 {
		t.Errorf("count = %d, want 3", m.Count)
	}
	if m.Sum != 555 {
		t.Errorf("sum = %v, want 555", m.Sum)
	}
	if len(m.Buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(m.Buckets))
	}
	if m.Buckets[0].Count != 1 || m.Buckets[1].Count != 1 {
		t.Errorf("bucket counts = %d,%d, want 1,1 (500 lands only in +Inf)",
			m.Buckets[0].Count, m.Buckets[1].Count)
	}
}

// ---------------------------------------------------------------------------
// Prometheus export
// ---------------------------------------------------------------------------

func TestWritePrometheus_CounterLine(t *testing.T) {
	r := metrics.NewRegistry()
	r.Help("events_total", "Events received.")
	r.Inc("events_total", map[string]string{"source": "receiver", "kind": "raw"}, 7)

	var b strings.Builder
	if err := metrics.WritePrometheus(&b, r); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := b.String()

	for _, want := range []string{
		"# HELP events_total Events received.",
		"# TYPE events_total counter",
		`events_total{kind="raw",source="receiver"} 7`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWritePrometheus_HistogramCumulative(t *testing.T) {
	r := metrics.NewRegistry()
	buckets := []float64{10, 100}
	r.Observe("duration_ms", nil, 5, buckets)
	r.Observe("duration_ms", nil, 50, buckets)
	r.Observe("duration_ms", nil, 500, buckets)

	var b strings.Builder
	if err := metrics.WritePrometheus(&b, r); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := b.String()

	for _, want := range []string{
		"# TYPE duration_ms histogram",
		`duration_ms_bucket{le="10"} 1`,
		`duration_ms_bucket{le="100"} 2`,
		`duration_ms_bucket{le="+Inf"} 3`,
		"duration_ms_sum 555",
		"duration_ms_count 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWritePrometheus_MonotonicAcrossExports(t *testing.T) {
	r := metrics.NewRegistry()
	r.Inc("events_total", nil, 1)

	var first strings.Builder
	_ = metrics.WritePrometheus(&first, r)

	r.Inc("events_total", nil, 1)

	var second strings.Builder
	_ = metrics.WritePrometheus(&second, r)

	if !strings.Contains(first.String(), "events_total 1") {
		t.Errorf("first export missing value 1:\n%s", first.String())
	}
	if !strings.Contains(second.String(), "events_total 2") {
		t.Errorf("second export missing value 2 (reset detected):\n%s", second.String())
	}
}

// ---------------------------------------------------------------------------
// JSON export
// ---------------------------------------------------------------------------

func TestExportJSON_Shape(t *testing.T) {
	r := metrics.NewRegistry()
	r.Inc("events_total", map[string]string{"source": "receiver"}, 3)
	r.Observe("duration_ms", nil, 50, []float64{10, 100})

	snap := metrics.ExportJSON(r)
	if snap.Timestamp == "" {
		t.Error("Timestamp empty")
	}
	if len(snap.Metrics) != 2 {
		t.Fatalf("metrics = %d, want 2", len(snap.Metrics))
	}

	// Snapshot order is name-sorted: duration_ms before events_total.
	hist := snap.Metrics[0]
	if hist.Name != "duration_ms" || hist.Type != "histogram" {
		t.Errorf("metric[0] = %s/%s, want duration_ms/histogram", hist.Name, hist.Type)
	}
	h, ok := hist.Value.(metrics.JSONHistogram)
	if !ok {
		t.Fatalf("histogram value type = %T, want JSONHistogram", hist.Value)
	}
	if h.Count != 1 || h.Sum != 50 {
		t.Errorf("histogram = count %d sum %v, want count 1 sum 50", h.Count, h.Sum)
	}

	counter := snap.Metrics[1]
	if counter.Name != "events_total" || counter.Type != "counter" {
		t.Errorf("metric[1] = %s/%s, want events_total/counter", counter.Name, counter.Type)
	}
	if got := counter.Value.(float64); got != 3 {
		t.Errorf("counter value = %v, want 3", got)
	}
	if counter.Labels["source"] != "receiver" {
		t.Errorf("labels = %v, want source=receiver", counter.Labels)
	}
}
