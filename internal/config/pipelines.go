package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// StageSpec names one filter, transformer, or output stage: a registered
// type, an instance id, and a free-form config map interpreted by the
// stage factory.
type StageSpec struct {
	Type   string         `yaml:"type"`
	ID     string         `yaml:"id"`
	Config map[string]any `yaml:"config"`
}

// ErrorHandlingSpec configures the per-pipeline error handler. Default
// applies to every stage; Stages overrides per "<stage>.<id>" key (for
// example "output.mqtt"). Maps hold strategy, max_retries, base_delay,
// multiplier, threshold, timeout_seconds.
type ErrorHandlingSpec struct {
	Default map[string]any            `yaml:"default"`
	Stages  map[string]map[string]any `yaml:"stages"`
}

// PipelineSpec describes one pipeline composition.
type PipelineSpec struct {
	ID            string             `yaml:"id"`
	Filters       []StageSpec        `yaml:"filters"`
	Transformer   *StageSpec         `yaml:"transformer"`
	Outputs       []StageSpec        `yaml:"outputs"`
	ErrorHandling *ErrorHandlingSpec `yaml:"error_handling"`
}

// PipelineFile is the root of the optional pipeline-composition YAML.
type PipelineFile struct {
	Pipelines []PipelineSpec `yaml:"pipelines"`
}

// ParsePipelineFile reads and parses the pipeline-composition YAML at path.
func ParsePipelineFile(path string) (*PipelineFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot open %q: %w", path, err)
	}
	defer f.Close()

	pf, err := ParsePipelines(f)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return pf, nil
}

// ParsePipelines parses a pipeline-composition document from r. Unknown YAML
// keys are rejected so typos surface at startup instead of silently yielding
// a default. Stage ids default to the stage type when omitted.
func ParsePipelines(r io.Reader) (*PipelineFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var pf PipelineFile
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("cannot parse pipeline yaml: %w", err)
	}

	applyPipelineDefaults(&pf)

	if errs := validatePipelines(&pf); len(errs) > 0 {
		return nil, fmt.Errorf("invalid pipeline yaml: %w", errors.Join(errs...))
	}
	return &pf, nil
}

// applyPipelineDefaults fills omitted ids: a lone pipeline is "main", and
// every stage id defaults to its type.
func applyPipelineDefaults(pf *PipelineFile) {
	for i := range pf.Pipelines {
		p := &pf.Pipelines[i]
		if p.ID == "" && len(pf.Pipelines) == 1 {
			p.ID = "main"
		}
		for j := range p.Filters {
			defaultStageID(&p.Filters[j])
		}
		if p.Transformer != nil {
			defaultStageID(p.Transformer)
		}
		for j := range p.Outputs {
			defaultStageID(&p.Outputs[j])
		}
	}
}

func defaultStageID(s *StageSpec) {
	if s.ID == "" {
		s.ID = s.Type
	}
}

// validatePipelines checks structural invariants: at least one pipeline,
// unique non-empty pipeline ids, a type on every stage, and at least one
// output per pipeline.
func validatePipelines(pf *PipelineFile) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(pf.Pipelines) == 0 {
		add("at least one pipeline is required")
	}

	ids := map[string]bool{}
	for i, p := range pf.Pipelines {
		where := fmt.Sprintf("pipelines[%d]", i)
		if p.ID == "" {
			add("%s: id is required", where)
		} else if ids[p.ID] {
			add("%s: duplicate pipeline id %q", where, p.ID)
		}
		ids[p.ID] = true

		for j, f := range p.Filters {
			if f.Type == "" {
				add("%s.filters[%d]: type is required", where, j)
			}
		}
		if p.Transformer != nil && p.Transformer.Type == "" {
			add("%s.transformer: type is required", where)
		}
		if len(p.Outputs) == 0 {
			add("%s: at least one output is required", where)
		}
		for j, o := range p.Outputs {
			if o.Type == "" {
				add("%s.outputs[%d]: type is required", where, j)
			}
		}
	}

	return errs
}
