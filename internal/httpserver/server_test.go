package httpserver_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wxwire/bridge/internal/httpserver"
	"github.com/wxwire/bridge/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...httpserver.Option) (*httpserver.Server, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	cfg := httpserver.Config{
		Addr:    "127.0.0.1:0",
		Service: "wxbridge",
		Version: "test",
	}
	return httpserver.New(cfg, reg, discardLogger(), opts...), reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMetricsEndpoint(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.Help("wxbridge_events_total", "Events.")
	reg.Inc("wxbridge_events_total", map[string]string{"outcome": "delivered"}, 3)

	rec := get(t, srv.Handler(), "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != metrics.ContentTypePrometheus {
		t.Errorf("Content-Type = %q, want %q", got, metrics.ContentTypePrometheus)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "# TYPE wxbridge_events_total counter") {
		t.Errorf("missing TYPE line in exposition:\n%s", body)
	}
	if !strings.Contains(body, `wxbridge_events_total{outcome="delivered"} 3`) {
		t.Errorf("missing series in exposition:\n%s", body)
	}
}

func TestMetricsJSONEndpoint(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.Set("wxbridge_status", map[string]string{"component": "receiver"}, 5)

	rec := get(t, srv.Handler(), "/metrics/json")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap metrics.JSONSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Timestamp == "" {
		t.Error("snapshot timestamp is empty")
	}
	if len(snap.Metrics) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(snap.Metrics))
	}
	if snap.Metrics[0].Name != "wxbridge_status" {
		t.Errorf("metric name = %q, want wxbridge_status", snap.Metrics[0].Name)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.Inc("wxbridge_events_total", nil, 1)
	reg.Inc("wxbridge_errors_total", nil, 1)

	rec := get(t, srv.Handler(), "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status       string `json:"status"`
		Service      string `json:"service"`
		Version      string `json:"version"`
		Timestamp    string `json:"timestamp"`
		MetricsCount int    `json:"metrics_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Service != "wxbridge" || body.Version != "test" {
		t.Errorf("identity = %s/%s, want wxbridge/test", body.Service, body.Version)
	}
	if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", body.Timestamp, err)
	}
	if body.MetricsCount != reg.Len() {
		t.Errorf("metrics_count = %d, want %d", body.MetricsCount, reg.Len())
	}
}

func TestReadyEndpointTransitions(t *testing.T) {
	var ready atomic.Bool
	srv, _ := newTestServer(t,
		httpserver.WithReadiness(ready.Load),
		httpserver.WithDetails(func() map[string]any {
			return map[string]any{"receiver_state": "joined"}
		}),
	)
	h := srv.Handler()

	rec := get(t, h, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before ready: expected 503, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if body["status"] != "starting" {
		t.Errorf("status = %v, want starting", body["status"])
	}
	if body["receiver_state"] != "joined" {
		t.Errorf("details not merged into payload: %v", body)
	}

	ready.Store(true)

	rec = get(t, h, "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("after ready: expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("status = %v, want ready", body["status"])
	}
}

// Without an installed readiness probe the server reports ready as soon as
// it serves, so probe-less deployments still get a useful endpoint.
func TestReadyEndpointDefaultsToReady(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := get(t, srv.Handler(), "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLiveEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := get(t, srv.Handler(), "/live")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode live: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("status = %q, want alive", body["status"])
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := get(t, srv.Handler(), "/api/v1/products")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Give ListenAndServe a moment to bind before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	// Occupy a port so the server cannot bind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()

	reg := metrics.NewRegistry()
	srv := httpserver.New(httpserver.Config{Addr: ln.Addr().String()}, reg, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Run(ctx); err == nil {
		t.Fatal("Run returned nil, want bind error")
	}
}
