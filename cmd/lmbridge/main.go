// Command lmbridge is the main entry point for the LM Studio ⇄ MCP bridge
// server. It speaks MCP over stdio to its client and drives the local LLM
// runtime plus any number of downstream MCP tool servers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/lmbridge/internal/autonomous"
	"github.com/MrWong99/lmbridge/internal/bridge"
	"github.com/MrWong99/lmbridge/internal/config"
	"github.com/MrWong99/lmbridge/internal/downstream/mcpclient"
	"github.com/MrWong99/lmbridge/internal/lifecycle"
	"github.com/MrWong99/lmbridge/internal/llm/lmstudio"
	"github.com/MrWong99/lmbridge/internal/observe"
	"github.com/MrWong99/lmbridge/internal/registry"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "lmbridge.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lmbridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The bridge serves MCP on stdout, so logs must go to stderr.
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("lmbridge starting",
		"config", *configPath,
		"runtime", fmt.Sprintf("%s:%d", cfg.Runtime.Host, cfg.Runtime.Port),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: bridge.Version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(cfg.Server.MetricsAddr)
	}

	// ── Component wiring ──────────────────────────────────────────────────────
	transportOpts := []lmstudio.Option{
		lmstudio.WithBaseURL(fmt.Sprintf("http://%s:%d", cfg.Runtime.Host, cfg.Runtime.Port)),
	}
	if cfg.Runtime.DefaultModel != "" {
		transportOpts = append(transportOpts, lmstudio.WithDefaultModel(cfg.Runtime.DefaultModel))
	}
	transport := lmstudio.New(transportOpts...)

	var reg *registry.Registry
	if cfg.Engine.RegistryPath != "" {
		reg = registry.NewWithPath(cfg.Engine.RegistryPath)
	} else {
		reg = registry.New()
	}

	var lifecycleOpts []lifecycle.Option
	if cfg.Runtime.LoadTTLSeconds > 0 {
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithTTL(cfg.Runtime.LoadTTLSeconds))
	}

	engine, err := autonomous.New(autonomous.Config{
		Registry:  reg,
		Dialer:    mcpclient.New(),
		Transport: transport,
		Lifecycle: lifecycle.New(transport, lifecycleOpts...),
		MaxRounds: cfg.Engine.MaxRounds,
	})
	if err != nil {
		slog.Error("failed to initialise engine", "err", err)
		return 1
	}

	server, err := bridge.New(engine, reg)
	if err != nil {
		slog.Error("failed to initialise bridge server", "err", err)
		return 1
	}

	// ── Startup probes (non-fatal) ────────────────────────────────────────────
	probeRuntime(ctx, transport)
	probeRegistry(reg)

	// ── Serve ─────────────────────────────────────────────────────────────────
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("bridge terminated", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds the default slog logger writing to stderr at the
// configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// serveMetrics exposes the Prometheus scrape endpoint.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("metrics listener started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("metrics listener stopped", "err", err)
	}
}

// probeRuntime logs whether the LLM runtime is reachable. The bridge still
// starts when it is not — the runtime may come up later.
func probeRuntime(ctx context.Context, transport *lmstudio.Client) {
	if err := transport.Health(ctx); err != nil {
		slog.Warn("LLM runtime is not reachable yet", "err", err)
		return
	}
	models, err := transport.ListModels(ctx)
	if err != nil {
		slog.Warn("LLM runtime listing failed", "err", err)
		return
	}
	slog.Info("LLM runtime reachable", "resident_models", len(models))
}

// probeRegistry logs the enabled downstream servers at startup.
func probeRegistry(reg *registry.Registry) {
	names, err := reg.List()
	if err != nil {
		slog.Warn("downstream registry not readable yet", "err", err)
		return
	}
	slog.Info("downstream registry loaded", "enabled_servers", names)
}
