// Command wxbridge bridges the NWS NWWS-OI weather wire to local outputs. It
// reads configuration from the environment, joins the NWWS-OI XMPP chat room,
// runs every received product through the filter/transform/output pipelines,
// exposes Prometheus metrics and health probes over HTTP, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/wxwire/bridge/internal/bridge"
	"github.com/wxwire/bridge/internal/config"
)

// version is stamped at build time: -ldflags "-X main.version=v1.2.3".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML pipeline composition (overrides the OUTPUTS-derived default)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("wxbridge " + version)
		return
	}

	// Load and validate configuration from the environment.
	cfg, err := config.Parse(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wxbridge: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wxbridge: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("server", cfg.NWWS.Server),
		slog.Int("port", cfg.NWWS.Port),
		slog.String("outputs", strings.Join(cfg.Outputs, ",")),
		slog.Bool("metrics", cfg.Metrics.Enabled),
		slog.String("log_level", cfg.Log.Level),
	)

	opts := []bridge.Option{bridge.WithVersion(version)}
	if *configPath != "" {
		pf, err := config.ParsePipelineFile(*configPath)
		if err != nil {
			logger.Error("failed to load pipeline composition", slog.Any("error", err))
			closeLog()
			os.Exit(1)
		}
		logger.Info("pipeline composition loaded",
			slog.String("path", *configPath),
			slog.Int("pipelines", len(pf.Pipelines)),
		)
		opts = append(opts, bridge.WithPipelines(pf))
	}

	b, err := bridge.New(cfg, logger, opts...)
	if err != nil {
		logger.Error("failed to build bridge", slog.Any("error", err))
		closeLog()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Block in Run until a signal cancels the context.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := b.Run(ctx); err != nil {
		logger.Error("bridge terminated", slog.Any("error", err))
		closeLog()
		os.Exit(1)
	}

	logger.Info("wxbridge exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level. When cfg.File is set, records are
// teed to that append-only file as well; the returned func closes it.
func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var l slog.Level
	switch cfg.Level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	cleanup := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.File, err)
		}
		w = io.MultiWriter(os.Stderr, f)
		cleanup = func() { _ = f.Close() }
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})), cleanup, nil
}
