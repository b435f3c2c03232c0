package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wxwire/bridge/internal/dedupe"
	"github.com/wxwire/bridge/internal/filter"
	"github.com/wxwire/bridge/internal/output"
	"github.com/wxwire/bridge/internal/transform"
	"github.com/wxwire/bridge/internal/ugc"
)

// Spec declares one filter, transformer, or output instance in
// configuration: a registered type name, an instance id, and free-form
// options interpreted by the factory.
type Spec struct {
	Type   string         `yaml:"type" json:"type"`
	ID     string         `yaml:"id" json:"id"`
	Config map[string]any `yaml:"config" json:"config"`
}

// GetString reads a string option, falling back to def.
func (s Spec) GetString(key, def string) string { return cfgString(s.Config, key, def) }

// GetInt reads an integer option, absorbing YAML's int/float decoding.
func (s Spec) GetInt(key string, def int) int { return cfgInt(s.Config, key, def) }

// GetFloat reads a float option.
func (s Spec) GetFloat(key string, def float64) float64 { return cfgFloat(s.Config, key, def) }

// GetBool reads a boolean option.
func (s Spec) GetBool(key string, def bool) bool { return cfgBool(s.Config, key, def) }

// GetDuration reads a duration given as a number of seconds or a Go
// duration string ("45s", "2m").
func (s Spec) GetDuration(key string, def time.Duration) time.Duration {
	return cfgDuration(s.Config, key, def)
}

// PolicyFromConfig builds an error-handling Policy from a config mapping
// with keys strategy, max_retries, base_delay, multiplier, threshold,
// and timeout_seconds.  Missing knobs take the package defaults.
func PolicyFromConfig(m map[string]any) (Policy, error) {
	strategy, err := ParseStrategy(cfgString(m, "strategy", ""))
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		Strategy:         strategy,
		MaxRetries:       cfgInt(m, "max_retries", 0),
		RetryBase:        cfgDuration(m, "base_delay", 0),
		RetryMultiplier:  cfgFloat(m, "multiplier", 0),
		BreakerThreshold: uint32(cfgInt(m, "threshold", 0)),
		BreakerTimeout:   cfgDuration(m, "timeout_seconds", 0),
	}.withDefaults(), nil
}

// Factories build pipeline units from declarative specs.
type (
	FilterFactory      func(spec Spec) (filter.Filter, error)
	TransformerFactory func(spec Spec) (transform.Transformer, error)
	OutputFactory      func(spec Spec) (output.Output, error)
)

// Registry maps type names to factories.  Registries are threaded
// through constructors; there is no package-level default.
type Registry struct {
	mu           sync.RWMutex
	filters      map[string]FilterFactory
	transformers map[string]TransformerFactory
	outputs      map[string]OutputFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		filters:      make(map[string]FilterFactory),
		transformers: make(map[string]TransformerFactory),
		outputs:      make(map[string]OutputFactory),
	}
}

// RegisterFilter binds a filter type name to its factory.
func (r *Registry) RegisterFilter(typ string, f FilterFactory) error {
	if typ == "" || f == nil {
		return fmt.Errorf("pipeline: register filter: empty type or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.filters[typ]; ok {
		return fmt.Errorf("pipeline: filter type %q already registered", typ)
	}
	r.filters[typ] = f
	return nil
}

// RegisterTransformer binds a transformer type name to its factory.
func (r *Registry) RegisterTransformer(typ string, f TransformerFactory) error {
	if typ == "" || f == nil {
		return fmt.Errorf("pipeline: register transformer: empty type or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transformers[typ]; ok {
		return fmt.Errorf("pipeline: transformer type %q already registered", typ)
	}
	r.transformers[typ] = f
	return nil
}

// RegisterOutput binds an output type name to its factory.
func (r *Registry) RegisterOutput(typ string, f OutputFactory) error {
	if typ == "" || f == nil {
		return fmt.Errorf("pipeline: register output: empty type or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outputs[typ]; ok {
		return fmt.Errorf("pipeline: output type %q already registered", typ)
	}
	r.outputs[typ] = f
	return nil
}

// BuildFilter instantiates a filter from its spec.
func (r *Registry) BuildFilter(spec Spec) (filter.Filter, error) {
	r.mu.RLock()
	f, ok := r.filters[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown filter type %q", spec.Type)
	}
	return f(spec)
}

// BuildTransformer instantiates a transformer from its spec.
func (r *Registry) BuildTransformer(spec Spec) (transform.Transformer, error) {
	r.mu.RLock()
	f, ok := r.transformers[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown transformer type %q", spec.Type)
	}
	return f(spec)
}

// BuildOutput instantiates an output from its spec.
func (r *Registry) BuildOutput(spec Spec) (output.Output, error) {
	r.mu.RLock()
	f, ok := r.outputs[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown output type %q", spec.Type)
	}
	return f(spec)
}

// RegisterBuiltins installs the stock filter, transformer, and console
// output factories.  MQTT and database outputs carry connection state, so
// the caller registers those itself with the dependencies closed over.
//
// Filter types: test_message, duplicate, attribute, regex, all, any,
// pass_through.  Transformer types: noaaport, xml_extract, chain.
// Output types: console.
func RegisterBuiltins(r *Registry, table *ugc.Table, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	filterFactories := map[string]FilterFactory{
		"test_message": func(spec Spec) (filter.Filter, error) {
			return filter.NewTestMessage(spec.ID, logger), nil
		},
		"duplicate": func(spec Spec) (filter.Filter, error) {
			window := spec.GetDuration("window_seconds", dedupe.DefaultWindow)
			return filter.NewDuplicate(spec.ID, window, logger), nil
		},
		"attribute": func(spec Spec) (filter.Filter, error) {
			return filter.NewAttributeMatch(spec.ID,
				spec.GetString("attribute", ""),
				spec.GetString("value", ""))
		},
		"regex": func(spec Spec) (filter.Filter, error) {
			return filter.NewRegexMatch(spec.ID,
				spec.GetString("attribute", ""),
				spec.GetString("pattern", ""))
		},
		"all": func(spec Spec) (filter.Filter, error) {
			children, err := r.buildChildFilters(spec)
			if err != nil {
				return nil, err
			}
			return filter.NewAll(spec.ID, children...), nil
		},
		"any": func(spec Spec) (filter.Filter, error) {
			children, err := r.buildChildFilters(spec)
			if err != nil {
				return nil, err
			}
			return filter.NewAny(spec.ID, children...), nil
		},
		"pass_through": func(spec Spec) (filter.Filter, error) {
			return filter.NewPassThrough(spec.ID), nil
		},
	}
	for typ, f := range filterFactories {
		if err := r.RegisterFilter(typ, f); err != nil {
			return err
		}
	}

	transformerFactories := map[string]TransformerFactory{
		"noaaport": func(spec Spec) (transform.Transformer, error) {
			return transform.NewNOAAPort(spec.ID, table, logger), nil
		},
		"xml_extract": func(spec Spec) (transform.Transformer, error) {
			return transform.NewXML(spec.ID, logger), nil
		},
		"chain": func(spec Spec) (transform.Transformer, error) {
			specs, err := cfgSpecs(spec.Config, "transformers")
			if err != nil {
				return nil, fmt.Errorf("pipeline: chain %s: %w", spec.ID, err)
			}
			steps := make([]transform.Transformer, 0, len(specs))
			for _, s := range specs {
				step, err := r.BuildTransformer(s)
				if err != nil {
					return nil, fmt.Errorf("pipeline: chain %s: %w", spec.ID, err)
				}
				steps = append(steps, step)
			}
			return transform.NewChain(spec.ID, steps...), nil
		},
	}
	for typ, f := range transformerFactories {
		if err := r.RegisterTransformer(typ, f); err != nil {
			return err
		}
	}

	return r.RegisterOutput("console", func(spec Spec) (output.Output, error) {
		return output.NewConsole(spec.ID, os.Stdout, logger), nil
	})
}

func (r *Registry) buildChildFilters(spec Spec) ([]filter.Filter, error) {
	specs, err := cfgSpecs(spec.Config, "filters")
	if err != nil {
		return nil, fmt.Errorf("pipeline: composite %s: %w", spec.ID, err)
	}
	children := make([]filter.Filter, 0, len(specs))
	for _, s := range specs {
		child, err := r.BuildFilter(s)
		if err != nil {
			return nil, fmt.Errorf("pipeline: composite %s: %w", spec.ID, err)
		}
		children = append(children, child)
	}
	return children, nil
}

// ─── Config helpers ──────────────────────────────────────────────────────
//
// YAML decoding into map[string]any yields ints, float64s, bools, and
// nested map[string]any values; these helpers absorb that looseness.

func cfgString(m map[string]any, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func cfgInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func cfgFloat(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

func cfgBool(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// cfgDuration reads a duration given either as a number of seconds or as
// a Go duration string ("45s", "2m").
func cfgDuration(m map[string]any, key string, def time.Duration) time.Duration {
	switch v := m[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		return def
	default:
		return def
	}
}

// cfgSpecs reads a list of nested unit specs from config[key].
func cfgSpecs(m map[string]any, key string) ([]Spec, error) {
	raw, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("missing %q list", key)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%q is not a list", key)
	}
	specs := make([]Spec, 0, len(items))
	for i, item := range items {
		mm, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%q entry %d is not a mapping", key, i)
		}
		specs = append(specs, Spec{
			Type:   cfgString(mm, "type", ""),
			ID:     cfgString(mm, "id", ""),
			Config: cfgMap(mm, "config"),
		})
	}
	return specs, nil
}

func cfgMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}
