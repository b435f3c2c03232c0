package bridge

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/wxwire/bridge/internal/config"
)

func TestDefaultPipelineFileShape(t *testing.T) {
	cfg := &config.Config{
		Outputs:     []string{config.OutputConsole, config.OutputMQTT, config.OutputDatabase},
		DedupWindow: 120 * time.Second,
	}
	pf := defaultPipelineFile(cfg)

	if len(pf.Pipelines) != 1 {
		t.Fatalf("pipelines = %d, want 1", len(pf.Pipelines))
	}
	p := pf.Pipelines[0]
	if p.ID != "main" {
		t.Errorf("pipeline id = %q, want main", p.ID)
	}

	if len(p.Filters) != 2 {
		t.Fatalf("filters = %d, want 2", len(p.Filters))
	}
	if p.Filters[0].Type != "test_message" {
		t.Errorf("first filter = %q, want test_message", p.Filters[0].Type)
	}
	if p.Filters[1].Type != "duplicate" {
		t.Errorf("second filter = %q, want duplicate", p.Filters[1].Type)
	}
	if got := p.Filters[1].Config["window_seconds"]; got != 120 {
		t.Errorf("window_seconds = %v, want 120", got)
	}

	if p.Transformer == nil || p.Transformer.Type != "chain" {
		t.Fatalf("transformer = %+v, want chain", p.Transformer)
	}
	steps, ok := p.Transformer.Config["transformers"].([]any)
	if !ok || len(steps) != 2 {
		t.Fatalf("chain steps = %v, want noaaport + xml_extract", p.Transformer.Config["transformers"])
	}

	if len(p.Outputs) != 3 {
		t.Fatalf("outputs = %d, want 3", len(p.Outputs))
	}
	for i, name := range cfg.Outputs {
		if p.Outputs[i].Type != name || p.Outputs[i].ID != name {
			t.Errorf("output[%d] = %s/%s, want %s/%s", i, p.Outputs[i].Type, p.Outputs[i].ID, name, name)
		}
	}

	eh := p.ErrorHandling
	if eh == nil {
		t.Fatal("error handling section missing")
	}
	if got := eh.Default["strategy"]; got != "continue" {
		t.Errorf("default strategy = %v, want continue", got)
	}
	if got := eh.Stages["output.database"]["strategy"]; got != "retry" {
		t.Errorf("database strategy = %v, want retry", got)
	}
	if got := eh.Stages["output.mqtt"]["strategy"]; got != "circuit_breaker" {
		t.Errorf("mqtt strategy = %v, want circuit_breaker", got)
	}
}

func TestBuildHandlerRejectsUnknownStrategy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := buildHandler(logger, nil, &config.ErrorHandlingSpec{
		Default: map[string]any{"strategy": "explode"},
	})
	if err == nil {
		t.Fatal("buildHandler with bad default = nil error, want error")
	}

	_, err = buildHandler(logger, nil, &config.ErrorHandlingSpec{
		Stages: map[string]map[string]any{
			"output.mqtt": {"strategy": "explode"},
		},
	})
	if err == nil {
		t.Fatal("buildHandler with bad stage = nil error, want error")
	}
}

func TestBuildHandlerNilSection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := buildHandler(logger, nil, nil)
	if err != nil {
		t.Fatalf("buildHandler(nil): %v", err)
	}
	if h == nil {
		t.Fatal("buildHandler(nil) returned nil handler")
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	st, err := openStore(config.DriverSQLite, filepath.Join(t.TempDir(), "wx.db"))
	if err != nil {
		t.Fatalf("openStore(sqlite): %v", err)
	}
	if err := st.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := openStore("oracle", "dsn"); err == nil {
		t.Fatal("openStore(oracle) = nil error, want error")
	}
}
