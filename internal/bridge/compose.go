package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wxwire/bridge/internal/config"
	"github.com/wxwire/bridge/internal/filter"
	"github.com/wxwire/bridge/internal/metrics"
	"github.com/wxwire/bridge/internal/output"
	"github.com/wxwire/bridge/internal/pipeline"
	"github.com/wxwire/bridge/internal/store"
	"github.com/wxwire/bridge/internal/topic"
)

// storeOpenTimeout bounds opening (and migrating) the product store while
// the bridge is being assembled.
const storeOpenTimeout = 15 * time.Second

// registerSinks installs the mqtt and database output factories. Both
// close over the bridge configuration for their defaults; spec options
// override per instance, so one pipeline can publish retained messages
// while another writes to a different topic tree.
func (b *Bridge) registerSinks(reg *pipeline.Registry) error {
	err := reg.RegisterOutput(config.OutputMQTT, func(spec pipeline.Spec) (output.Output, error) {
		prefix := spec.GetString("topic_prefix", b.cfg.MQTT.TopicPrefix)
		builder := topic.New(prefix)
		if tpl := spec.GetString("topic_template", ""); tpl != "" {
			var terr error
			builder, terr = topic.NewWithTemplate(prefix, tpl)
			if terr != nil {
				return nil, terr
			}
		}

		clientID := spec.GetString("client_id", b.cfg.MQTT.ClientID)
		if clientID == "" {
			clientID = "wxbridge-" + uuid.NewString()[:8]
		}

		mcfg := output.MQTTConfig{
			BrokerURL:   spec.GetString("broker_url", b.cfg.MQTT.BrokerURL()),
			ClientID:    clientID,
			Username:    b.cfg.MQTT.Username,
			Password:    b.cfg.MQTT.Password,
			QoS:         byte(spec.GetInt("qos", b.cfg.MQTT.QoS)),
			Retain:      spec.GetBool("retain", false),
			StatusTopic: spec.GetString("status_topic", prefix+"/bridge/status"),
		}
		return output.NewMQTT(spec.ID, mcfg, builder, b.base), nil
	})
	if err != nil {
		return fmt.Errorf("bridge: register mqtt output: %w", err)
	}

	err = reg.RegisterOutput(config.OutputDatabase, func(spec pipeline.Spec) (output.Output, error) {
		st, serr := openStore(
			spec.GetString("driver", b.cfg.Database.Driver),
			spec.GetString("dsn", b.cfg.Database.DSN))
		if serr != nil {
			return nil, serr
		}
		return output.NewDatabase(spec.ID, st, b.base), nil
	})
	if err != nil {
		return fmt.Errorf("bridge: register database output: %w", err)
	}
	return nil
}

// openStore opens the product store for the given driver, applying the
// schema as needed.
func openStore(driver, dsn string) (store.Store, error) {
	switch driver {
	case config.DriverSQLite:
		return store.NewSQLite(dsn)
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
		defer cancel()
		return store.NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// buildPipeline assembles one pipeline from its composition spec.
func (b *Bridge) buildPipeline(reg *pipeline.Registry, col *metrics.Collector, spec config.PipelineSpec) (*pipeline.Pipeline, error) {
	opts := []pipeline.Option{
		pipeline.WithLogger(b.base),
		pipeline.WithMetrics(col),
	}

	filters := make([]filter.Filter, 0, len(spec.Filters))
	for _, fs := range spec.Filters {
		f, err := reg.BuildFilter(toSpec(fs))
		if err != nil {
			return nil, err
		}
		if dup, ok := f.(*filter.Duplicate); ok {
			b.dups[spec.ID+"."+dup.ID()] = dup.Cache()
		}
		filters = append(filters, f)
	}
	if len(filters) > 0 {
		opts = append(opts, pipeline.WithFilters(filters...))
	}

	if spec.Transformer != nil {
		tr, err := reg.BuildTransformer(toSpec(*spec.Transformer))
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithTransformer(tr))
	}

	outs := make([]output.Output, 0, len(spec.Outputs))
	for _, out := range spec.Outputs {
		o, err := reg.BuildOutput(toSpec(out))
		if err != nil {
			return nil, err
		}
		outs = append(outs, o)
	}
	opts = append(opts, pipeline.WithOutputs(outs...))

	h, err := buildHandler(b.base, col, spec.ErrorHandling)
	if err != nil {
		return nil, err
	}
	opts = append(opts, pipeline.WithErrorHandler(h))

	return pipeline.New(spec.ID, opts...), nil
}

// buildHandler turns the error_handling section into a configured Handler.
// A nil section means every stage fails fast.
func buildHandler(logger *slog.Logger, col *metrics.Collector, spec *config.ErrorHandlingSpec) (*pipeline.Handler, error) {
	opts := []pipeline.HandlerOption{pipeline.WithHandlerMetrics(col)}
	if spec != nil {
		if spec.Default != nil {
			p, err := pipeline.PolicyFromConfig(spec.Default)
			if err != nil {
				return nil, fmt.Errorf("error_handling default: %w", err)
			}
			opts = append(opts, pipeline.WithDefaultPolicy(p))
		}
		keys := make([]string, 0, len(spec.Stages))
		for k := range spec.Stages {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			p, err := pipeline.PolicyFromConfig(spec.Stages[key])
			if err != nil {
				return nil, fmt.Errorf("error_handling %s: %w", key, err)
			}
			opts = append(opts, pipeline.WithPolicy(key, p))
		}
	}
	return pipeline.NewHandler(logger, opts...), nil
}

func toSpec(s config.StageSpec) pipeline.Spec {
	return pipeline.Spec{Type: s.Type, ID: s.ID, Config: s.Config}
}

// defaultPipelineFile derives the single-pipeline composition from the
// environment configuration: drop test messages and duplicates, parse the
// NOAAPort payload and extract CAP XML, then fan out to the configured
// outputs. Database writes retry; MQTT publishes sit behind a breaker.
func defaultPipelineFile(cfg *config.Config) *config.PipelineFile {
	outputs := make([]config.StageSpec, 0, len(cfg.Outputs))
	for _, name := range cfg.Outputs {
		outputs = append(outputs, config.StageSpec{Type: name, ID: name})
	}

	return &config.PipelineFile{Pipelines: []config.PipelineSpec{{
		ID: "main",
		Filters: []config.StageSpec{
			{Type: "test_message", ID: "tstmsg"},
			{Type: "duplicate", ID: "dedup", Config: map[string]any{
				"window_seconds": int(cfg.DedupWindow / time.Second),
			}},
		},
		Transformer: &config.StageSpec{Type: "chain", ID: "enrich", Config: map[string]any{
			"transformers": []any{
				map[string]any{"type": "noaaport", "id": "parse"},
				map[string]any{"type": "xml_extract", "id": "xml"},
			},
		}},
		Outputs: outputs,
		ErrorHandling: &config.ErrorHandlingSpec{
			Default: map[string]any{"strategy": "continue"},
			Stages: map[string]map[string]any{
				"output.database": {"strategy": "retry", "max_retries": 3},
				"output.mqtt":     {"strategy": "circuit_breaker", "threshold": 5, "timeout_seconds": 60},
			},
		},
	}}}
}
