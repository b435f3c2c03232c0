package pipeline_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wxwire/bridge/internal/filter"
	"github.com/wxwire/bridge/internal/pipeline"
	"github.com/wxwire/bridge/internal/transform"
	"github.com/wxwire/bridge/internal/ugc"
)

// --- Helpers ---

func builtinRegistry(t *testing.T) *pipeline.Registry {
	t.Helper()
	r := pipeline.NewRegistry()
	if err := pipeline.RegisterBuiltins(r, ugc.Empty(), discardLogger()); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return r
}

// --- Filters ---

func TestRegistry_BuildsTestMessageFilter(t *testing.T) {
	r := builtinRegistry(t)
	f, err := r.BuildFilter(pipeline.Spec{Type: "test_message", ID: "tstmsg"})
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}
	if f.ID() != "tstmsg" {
		t.Errorf("ID = %q, want tstmsg", f.ID())
	}

	ev := testEvent(t)
	ev.AWIPSID = "TSTMSG"
	pass, err := f.Allow(context.Background(), ev)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if pass {
		t.Error("test message passed the built filter")
	}
}

func TestRegistry_BuildsDuplicateFilterWithWindow(t *testing.T) {
	r := builtinRegistry(t)
	f, err := r.BuildFilter(pipeline.Spec{
		Type:   "duplicate",
		ID:     "dedup",
		Config: map[string]any{"window_seconds": 300},
	})
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}

	ev := testEvent(t)
	for i, want := range []bool{true, false} {
		got, err := f.Allow(context.Background(), ev)
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if got != want {
			t.Errorf("Allow call %d = %v, want %v", i+1, got, want)
		}
	}
}

func TestRegistry_BuildsAttributeFilterFromConfig(t *testing.T) {
	r := builtinRegistry(t)
	f, err := r.BuildFilter(pipeline.Spec{
		Type:   "attribute",
		ID:     "tbw_only",
		Config: map[string]any{"attribute": "cccc", "value": "KTBW"},
	})
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}

	ev := testEvent(t)
	ev.CCCC = "KTBW"
	if pass, _ := f.Allow(context.Background(), ev); !pass {
		t.Error("matching cccc did not pass")
	}
	ev.CCCC = "KDMX"
	if pass, _ := f.Allow(context.Background(), ev); pass {
		t.Error("non-matching cccc passed")
	}
}

func TestRegistry_BuildsCompositeFromNestedSpecs(t *testing.T) {
	r := builtinRegistry(t)
	f, err := r.BuildFilter(pipeline.Spec{
		Type: "all",
		ID:   "gate",
		Config: map[string]any{
			"filters": []any{
				map[string]any{"type": "test_message", "id": "tstmsg"},
				map[string]any{
					"type": "any",
					"id":   "either",
					"config": map[string]any{
						"filters": []any{
							map[string]any{
								"type":   "attribute",
								"id":     "tbw",
								"config": map[string]any{"attribute": "cccc", "value": "KTBW"},
							},
							map[string]any{
								"type":   "attribute",
								"id":     "dmx",
								"config": map[string]any{"attribute": "cccc", "value": "KDMX"},
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}

	ev := testEvent(t)
	ev.AWIPSID = "TORALY"
	ev.CCCC = "KDMX"
	if pass, _ := f.Allow(context.Background(), ev); !pass {
		t.Error("KDMX tornado did not pass the composite")
	}
	ev.CCCC = "KBOX"
	if pass, _ := f.Allow(context.Background(), ev); pass {
		t.Error("KBOX passed the composite, want drop")
	}
}

// --- Transformers ---

func TestRegistry_BuildsChainRecursively(t *testing.T) {
	r := builtinRegistry(t)
	tr, err := r.BuildTransformer(pipeline.Spec{
		Type: "chain",
		ID:   "enrich",
		Config: map[string]any{
			"transformers": []any{
				map[string]any{"type": "noaaport", "id": "parse"},
				map[string]any{"type": "xml_extract", "id": "xml"},
			},
		},
	})
	if err != nil {
		t.Fatalf("BuildTransformer: %v", err)
	}
	chain, ok := tr.(*transform.Chain)
	if !ok {
		t.Fatalf("built transformer is %T, want *transform.Chain", tr)
	}
	steps := chain.Steps()
	if len(steps) != 2 {
		t.Fatalf("chain has %d steps, want 2", len(steps))
	}
	if steps[0].ID() != "parse" || steps[1].ID() != "xml" {
		t.Errorf("chain steps = %s,%s want parse,xml", steps[0].ID(), steps[1].ID())
	}
}

func TestRegistry_ChainRejectsUnknownStep(t *testing.T) {
	r := builtinRegistry(t)
	_, err := r.BuildTransformer(pipeline.Spec{
		Type: "chain",
		ID:   "enrich",
		Config: map[string]any{
			"transformers": []any{
				map[string]any{"type": "telepathy", "id": "nope"},
			},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "telepathy") {
		t.Fatalf("BuildTransformer = %v, want unknown-type error naming telepathy", err)
	}
}

// --- Unknown types and registration guards ---

func TestRegistry_UnknownTypesError(t *testing.T) {
	r := builtinRegistry(t)
	if _, err := r.BuildFilter(pipeline.Spec{Type: "nope"}); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("BuildFilter unknown = %v, want error naming the type", err)
	}
	if _, err := r.BuildTransformer(pipeline.Spec{Type: "nope"}); err == nil {
		t.Error("BuildTransformer unknown = nil, want error")
	}
	if _, err := r.BuildOutput(pipeline.Spec{Type: "nope"}); err == nil {
		t.Error("BuildOutput unknown = nil, want error")
	}
}

func TestRegistry_DuplicateRegistrationRejected(t *testing.T) {
	r := builtinRegistry(t)
	err := r.RegisterFilter("test_message", func(pipeline.Spec) (filter.Filter, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("re-registering test_message = nil, want error")
	}
}

// --- Spec option helpers ---

func TestSpec_OptionHelpers(t *testing.T) {
	spec := pipeline.Spec{Config: map[string]any{
		"name":    "broker",
		"qos":     1,
		"ratio":   2.5,
		"retain":  true,
		"window":  300,
		"timeout": "45s",
	}}

	if got := spec.GetString("name", "x"); got != "broker" {
		t.Errorf("GetString = %q", got)
	}
	if got := spec.GetString("missing", "fallback"); got != "fallback" {
		t.Errorf("GetString missing = %q, want fallback", got)
	}
	if got := spec.GetInt("qos", 0); got != 1 {
		t.Errorf("GetInt = %d", got)
	}
	if got := spec.GetFloat("ratio", 0); got != 2.5 {
		t.Errorf("GetFloat = %v", got)
	}
	if got := spec.GetBool("retain", false); !got {
		t.Error("GetBool = false, want true")
	}
	if got := spec.GetDuration("window", 0); got != 300*time.Second {
		t.Errorf("GetDuration(seconds) = %v, want 5m0s", got)
	}
	if got := spec.GetDuration("timeout", 0); got != 45*time.Second {
		t.Errorf("GetDuration(string) = %v, want 45s", got)
	}
	if got := spec.GetDuration("missing", time.Minute); got != time.Minute {
		t.Errorf("GetDuration missing = %v, want 1m", got)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	pol, err := pipeline.PolicyFromConfig(map[string]any{
		"strategy":        "circuit_breaker",
		"threshold":       3,
		"timeout_seconds": 60,
	})
	if err != nil {
		t.Fatalf("PolicyFromConfig: %v", err)
	}
	if pol.Strategy != pipeline.CircuitBreaker {
		t.Errorf("Strategy = %v, want circuit_breaker", pol.Strategy)
	}
	if pol.BreakerThreshold != 3 || pol.BreakerTimeout != time.Minute {
		t.Errorf("breaker knobs = %d/%v, want 3/1m", pol.BreakerThreshold, pol.BreakerTimeout)
	}

	pol, err = pipeline.PolicyFromConfig(map[string]any{
		"strategy":    "retry",
		"max_retries": 4,
		"base_delay":  "250ms",
		"multiplier":  3,
	})
	if err != nil {
		t.Fatalf("PolicyFromConfig retry: %v", err)
	}
	if pol.MaxRetries != 4 || pol.RetryBase != 250*time.Millisecond || pol.RetryMultiplier != 3 {
		t.Errorf("retry knobs = %+v", pol)
	}

	pol, err = pipeline.PolicyFromConfig(map[string]any{"strategy": "continue"})
	if err != nil {
		t.Fatalf("PolicyFromConfig continue: %v", err)
	}
	if pol.Strategy != pipeline.Continue {
		t.Errorf("Strategy = %v, want continue", pol.Strategy)
	}
	if pol.MaxRetries != pipeline.DefaultMaxRetries {
		t.Errorf("MaxRetries default = %d, want %d", pol.MaxRetries, pipeline.DefaultMaxRetries)
	}

	if _, err := pipeline.PolicyFromConfig(map[string]any{"strategy": "explode"}); err == nil {
		t.Fatal("unknown strategy = nil error, want error")
	}
}
