// Command courier runs the delivery engine: it reads messages from stdin,
// routes them to the configured subscribers and serves health and metrics.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/courier/internal/config"
	"github.com/rickgao/courier/internal/dispatch"
	"github.com/rickgao/courier/internal/metrics"
	"github.com/rickgao/courier/internal/monitor"
	"github.com/rickgao/courier/internal/reaper"
	"github.com/rickgao/courier/internal/router"
	"github.com/rickgao/courier/internal/subscriber"
	"github.com/rickgao/courier/internal/transform"
	"github.com/rickgao/courier/internal/transport/builtin"
	"github.com/rickgao/courier/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/courier.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting courier",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("courier failed", "error", err)
		os.Exit(1)
	}
	logger.Info("courier stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	decode, err := decoderFor(cfg.Input.Format)
	if err != nil {
		return err
	}

	tlsConfig, err := cfg.TLS.Build()
	if err != nil {
		return fmt.Errorf("build tls config: %w", err)
	}

	collector := metrics.NewPrometheus(metrics.DefaultNamespace)
	broker := monitor.Multi(monitor.NewLogBroker(logger), collector)

	opts := []dispatch.FactoryOption{
		dispatch.WithBroker(broker),
		dispatch.WithTransforms(transform.NewRegistry()),
	}
	if tlsConfig != nil {
		opts = append(opts, dispatch.WithTLSProvider(func(string) (*tls.Config, error) {
			return tlsConfig, nil
		}))
	}
	factory := dispatch.NewFactory(dispatch.FactoryConfig{EscalateAfter: cfg.Worker.EscalateAfter},
		builtin.NewRegistry(), logger, opts...)

	reaperCfg := reaper.Config{Interval: cfg.Reaper.Interval}
	registry, err := subscriber.New(subscriber.Config{
		DefaultProperties: cfg.Defaults.Properties,
		Reaper:            reaperCfg,
	}, factory, cfg.Subscribers, logger)
	if err != nil {
		return fmt.Errorf("create subscriber registry: %w", err)
	}
	defer registry.Dispose(true)

	rt := router.New(router.Config{Reaper: reaperCfg}, registry, newInbound(logger), cfg.Subscriptors, logger)
	defer rt.Dispose()

	collector.WatchWorkers(registry.WorkerStats)
	collector.WatchRouter(rt.Stats)

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           createHealthHandler(cfg.Instance.ID, cfg.HTTP.HealthPath, cfg.HTTP.MetricsPath, registry, rt, collector.Handler(), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lines := make(chan string, 64)
	readErr := make(chan error, 1)
	go readLines(os.Stdin, lines, readErr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.HTTP.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return pump(gctx, lines, readErr, decode, registry, rt, logger)
	})

	logger.Info("courier running",
		"subscribers", len(registry.Subscribers()),
		"subscriptors", len(rt.Subscriptors()),
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.HTTP.Port, cfg.HTTP.HealthPath),
	)

	err = g.Wait()
	logger.Info("shutting down...")
	return err
}
