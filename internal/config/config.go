// Package config loads and validates the bridge configuration.
//
// # Environment
//
// Runtime configuration is read from environment variables, matching how the
// bridge is deployed (systemd units, containers). NWWS_USERNAME and
// NWWS_PASSWORD are required; everything else has a sensible default:
//
//	NWWS_SERVER=nwws-oi.weather.gov  NWWS_PORT=5222
//	LOG_LEVEL=info                   LOG_FILE=            (optional file tee)
//	OUTPUTS=console                  (csv of console,mqtt,database)
//	MQTT_BROKER=localhost            MQTT_PORT=1883
//	MQTT_USERNAME=  MQTT_PASSWORD=   MQTT_TOPIC_PREFIX=nwws
//	MQTT_QOS=1      MQTT_CLIENT_ID=  (empty = generated at startup)
//	METRIC_SERVER=true  METRIC_HOST=127.0.0.1  METRIC_PORT=8080
//	DATABASE_DRIVER=sqlite           DATABASE_DSN=nwws.db
//	QUEUE_SIZE=1024  SUBMIT_TIMEOUT=5s  SHUTDOWN_TIMEOUT=30s
//	UGC_TABLE=                       (optional path to a UGC name table)
//	DEDUP_WINDOW=300s
//
// # Pipeline file
//
// An optional YAML file (the -config flag) replaces the default env-derived
// pipeline with explicit pipeline compositions; see ParsePipelineFile.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Output names accepted in the OUTPUTS list.
const (
	OutputConsole  = "console"
	OutputMQTT     = "mqtt"
	OutputDatabase = "database"
)

// Database drivers accepted in DATABASE_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// validLogLevels is the set of accepted LOG_LEVEL values.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validOutputs is the set of accepted OUTPUTS entries.
var validOutputs = map[string]bool{
	OutputConsole:  true,
	OutputMQTT:     true,
	OutputDatabase: true,
}

// validDrivers is the set of accepted DATABASE_DRIVER values.
var validDrivers = map[string]bool{
	DriverSQLite:   true,
	DriverPostgres: true,
}

// NWWSConfig holds the NWWS-OI connection settings.
type NWWSConfig struct {
	// Username is the NWS-issued NWWS-OI account name. Required.
	Username string

	// Password is the NWS-issued NWWS-OI account password. Required.
	Password string

	// Server is the XMPP server hostname. The operational endpoints are
	// nwws-oi.weather.gov (anycast), nwws-oi-bldr.weather.gov (Boulder)
	// and nwws-oi-cprk.weather.gov (College Park).
	Server string

	// Port is the XMPP client port, normally 5222 (STARTTLS).
	Port int
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum severity: "debug", "info", "warn" or "error".
	Level string

	// File, when non-empty, tees log records to this append-only file in
	// addition to stderr.
	File string
}

// MQTTConfig holds the MQTT output settings. Only consulted when "mqtt"
// appears in Outputs.
type MQTTConfig struct {
	Broker      string
	Port        int
	Username    string
	Password    string
	TopicPrefix string

	// QoS is the publish quality of service, 0..2.
	QoS int

	// ClientID is the MQTT client identifier. Empty means the caller
	// generates one at startup.
	ClientID string
}

// BrokerURL returns the broker address in the scheme://host:port form the
// MQTT client dials. A Broker value that already carries a scheme is used
// verbatim so operators can request ssl:// or ws:// transports.
func (c MQTTConfig) BrokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	return fmt.Sprintf("tcp://%s:%d", c.Broker, c.Port)
}

// MetricsConfig holds the metrics/health HTTP server settings.
type MetricsConfig struct {
	// Enabled controls whether the HTTP server is started at all.
	Enabled bool

	Host string
	Port int
}

// Addr returns the listen address in host:port form.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the database output settings. Only consulted when
// "database" appears in Outputs.
type DatabaseConfig struct {
	// Driver selects the storage engine: "sqlite" or "postgres".
	Driver string

	// DSN is the sqlite file path or the postgres connection string.
	DSN string
}

// QueueConfig holds the ingest queue settings.
type QueueConfig struct {
	// Size is the per-pipeline queue capacity.
	Size int

	// SubmitTimeout bounds how long a submit blocks on a full queue
	// before the event is dropped.
	SubmitTimeout time.Duration
}

// Config is the resolved bridge configuration.
type Config struct {
	NWWS     NWWSConfig
	Log      LogConfig
	MQTT     MQTTConfig
	Metrics  MetricsConfig
	Database DatabaseConfig
	Queue    QueueConfig

	// Outputs lists the enabled output sinks in the order given by the
	// OUTPUTS variable: console, mqtt, database.
	Outputs []string

	// UGCTablePath optionally points at a pipe-delimited UGC → name table
	// used to enrich parsed products.
	UGCTablePath string

	// DedupWindow is the duplicate-suppression window keyed on product id.
	DedupWindow time.Duration

	// ShutdownTimeout bounds graceful drain on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration
}

// HasOutput reports whether name is listed in Outputs.
func (c *Config) HasOutput(name string) bool {
	for _, o := range c.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

// Getenv is the lookup function Parse reads variables through. It matches
// the signature of os.Getenv; unset and empty are equivalent.
type Getenv func(key string) string

// Parse builds a Config from the supplied lookup function, applies defaults
// for everything unset, and validates the result. Parse and validation
// problems are aggregated so an operator sees every mistake at once.
func Parse(get Getenv) (*Config, error) {
	p := &envParser{get: get}

	cfg := &Config{
		NWWS: NWWSConfig{
			Username: p.str("NWWS_USERNAME", ""),
			Password: p.str("NWWS_PASSWORD", ""),
			Server:   p.str("NWWS_SERVER", "nwws-oi.weather.gov"),
			Port:     p.num("NWWS_PORT", 5222),
		},
		Log: LogConfig{
			Level: strings.ToLower(p.str("LOG_LEVEL", "info")),
			File:  p.str("LOG_FILE", ""),
		},
		MQTT: MQTTConfig{
			Broker:      p.str("MQTT_BROKER", "localhost"),
			Port:        p.num("MQTT_PORT", 1883),
			Username:    p.str("MQTT_USERNAME", ""),
			Password:    p.str("MQTT_PASSWORD", ""),
			TopicPrefix: p.str("MQTT_TOPIC_PREFIX", "nwws"),
			QoS:         p.num("MQTT_QOS", 1),
			ClientID:    p.str("MQTT_CLIENT_ID", ""),
		},
		Metrics: MetricsConfig{
			Enabled: p.flag("METRIC_SERVER", true),
			Host:    p.str("METRIC_HOST", "127.0.0.1"),
			Port:    p.num("METRIC_PORT", 8080),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(p.str("DATABASE_DRIVER", DriverSQLite)),
			DSN:    p.str("DATABASE_DSN", "nwws.db"),
		},
		Queue: QueueConfig{
			Size:          p.num("QUEUE_SIZE", 1024),
			SubmitTimeout: p.dur("SUBMIT_TIMEOUT", 5*time.Second),
		},
		Outputs:         splitOutputs(p.str("OUTPUTS", OutputConsole)),
		UGCTablePath:    p.str("UGC_TABLE", ""),
		DedupWindow:     p.dur("DEDUP_WINDOW", 300*time.Second),
		ShutdownTimeout: p.dur("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	errs := append(p.errs, Validate(cfg)...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// Validate checks cfg for semantic problems and returns one error per issue.
// MQTT and database settings are only checked when the respective output is
// enabled, so a console-only deployment needs nothing beyond credentials.
func Validate(cfg *Config) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.NWWS.Username == "" {
		add("NWWS_USERNAME is required")
	}
	if cfg.NWWS.Password == "" {
		add("NWWS_PASSWORD is required")
	}
	if cfg.NWWS.Server == "" {
		add("NWWS_SERVER must not be empty")
	}
	if cfg.NWWS.Port < 1 || cfg.NWWS.Port > 65535 {
		add("NWWS_PORT %d out of range 1-65535", cfg.NWWS.Port)
	}

	if !validLogLevels[cfg.Log.Level] {
		add("LOG_LEVEL %q invalid (debug, info, warn, error)", cfg.Log.Level)
	}

	if len(cfg.Outputs) == 0 {
		add("OUTPUTS must list at least one of console, mqtt, database")
	}
	seen := map[string]bool{}
	for _, o := range cfg.Outputs {
		if !validOutputs[o] {
			add("OUTPUTS entry %q invalid (console, mqtt, database)", o)
			continue
		}
		if seen[o] {
			add("OUTPUTS entry %q listed twice", o)
		}
		seen[o] = true
	}

	if cfg.HasOutput(OutputMQTT) {
		if cfg.MQTT.Broker == "" {
			add("MQTT_BROKER is required when the mqtt output is enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			add("MQTT_PORT %d out of range 1-65535", cfg.MQTT.Port)
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			add("MQTT_QOS %d out of range 0-2", cfg.MQTT.QoS)
		}
		if cfg.MQTT.TopicPrefix == "" {
			add("MQTT_TOPIC_PREFIX must not be empty")
		}
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Host == "" {
			add("METRIC_HOST must not be empty")
		}
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			add("METRIC_PORT %d out of range 1-65535", cfg.Metrics.Port)
		}
	}

	if cfg.HasOutput(OutputDatabase) {
		if !validDrivers[cfg.Database.Driver] {
			add("DATABASE_DRIVER %q invalid (sqlite, postgres)", cfg.Database.Driver)
		}
		if cfg.Database.DSN == "" {
			add("DATABASE_DSN is required when the database output is enabled")
		}
	}

	if cfg.Queue.Size < 1 {
		add("QUEUE_SIZE must be positive, got %d", cfg.Queue.Size)
	}
	if cfg.Queue.SubmitTimeout <= 0 {
		add("SUBMIT_TIMEOUT must be positive, got %s", cfg.Queue.SubmitTimeout)
	}
	if cfg.DedupWindow <= 0 {
		add("DEDUP_WINDOW must be positive, got %s", cfg.DedupWindow)
	}
	if cfg.ShutdownTimeout <= 0 {
		add("SHUTDOWN_TIMEOUT must be positive, got %s", cfg.ShutdownTimeout)
	}

	return errs
}

// ─── Env parsing helpers ──────────────────────────────────────────────────────

// envParser reads typed values from an environment lookup, collecting parse
// errors instead of failing on the first one.
type envParser struct {
	get  Getenv
	errs []error
}

func (p *envParser) str(key, def string) string {
	if v := strings.TrimSpace(p.get(key)); v != "" {
		return v
	}
	return def
}

func (p *envParser) num(key string, def int) int {
	raw := strings.TrimSpace(p.get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return def
	}
	return n
}

func (p *envParser) dur(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.get(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration (try \"300s\")", key, raw))
		return def
	}
	return d
}

func (p *envParser) flag(key string, def bool) bool {
	raw := strings.TrimSpace(p.get(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return def
	}
	return b
}

// splitOutputs parses the OUTPUTS csv, lowercasing and trimming each entry.
func splitOutputs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
