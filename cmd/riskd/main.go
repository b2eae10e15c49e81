package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleet-risk/internal/api"
	"fleet-risk/internal/botconfig"
	"fleet-risk/internal/cfg"
	"fleet-risk/internal/clock"
	"fleet-risk/internal/fleet"
	"fleet-risk/internal/metrics"
	"fleet-risk/internal/settings"
	"fleet-risk/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// a missing .env is normal in production
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mw := metrics.NewWrapper(metrics.New())

	kv, err := openState(c)
	if err != nil {
		log.Fatal().Err(err).Str("backend", c.StateBackend).Msg("state store unavailable")
	}
	defer kv.Close()

	locator := settings.StaticLocator{}
	for _, inst := range c.Instances {
		locator[inst.ID] = inst.ConfigPath
	}
	store := botconfig.NewStore(c.MinSizeRatio)
	clk := clock.Real()

	hub := api.NewHub()
	go hub.Run(ctx)

	fl := fleet.New(c, fleet.Deps{
		Settings: settings.NewFileRepository(store, locator, clk),
		Store:    store,
		State:    storage.NewStateRepository(kv),
		Sink:     hub,
		Clock:    clk,
		Metrics:  mw,
	})
	defer func() {
		if err := fl.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close fleet")
		}
	}()

	startMetricsServer(ctx, c)

	if err := fl.StartAll(ctx); err != nil {
		// instances that failed stay reachable through the API and can be
		// retried there
		log.Error().Err(err).Msg("some instances failed to start")
	}

	server := &http.Server{
		Addr:              c.ListenAddr,
		Handler:           api.NewServer(fl, hub).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", c.ListenAddr).Int("instances", len(c.Instances)).Msg("risk manager listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api server failed")
			cancel()
		}
	}()

	waitForShutdown(ctx, cancel)

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api server shutdown incomplete")
	}
}

func setupLogging(c cfg.Settings) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		log.Warn().Str("level", c.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if strings.EqualFold(c.LogFormat, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func openState(c cfg.Settings) (storage.KV, error) {
	switch c.StateBackend {
	case "redis":
		return storage.NewRedisStore(c.RedisAddr, c.RedisPassword, c.RedisDB)
	default:
		if err := os.MkdirAll(c.DataPath, 0o750); err != nil {
			return nil, fmt.Errorf("create data path: %w", err)
		}
		return storage.NewBoltStore(c.DataPath)
	}
}

// startMetricsServer serves Prometheus metrics and a liveness probe.
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// waitForShutdown blocks until a signal arrives or ctx ends, then cancels ctx
// so the monitoring loops stop.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()
}
