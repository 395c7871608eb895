// Package main is the entry point for the outbound AI gateway daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clinexa/aigateway"
	"github.com/clinexa/aigateway/internal/api"
	"github.com/clinexa/aigateway/internal/config"
	"github.com/clinexa/aigateway/internal/healthcheck"
	"github.com/clinexa/aigateway/internal/httpclient"
	"github.com/clinexa/aigateway/internal/observability"
	"github.com/clinexa/aigateway/internal/resilience"
	"github.com/clinexa/aigateway/internal/telemetry"
	"github.com/clinexa/aigateway/pkg/provider"
	"github.com/clinexa/aigateway/providers"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfgManager, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := cfgManager.Get()

	redactor := observability.NewRedactor()
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	}, redactor)
	slog.SetDefault(logger.Logger)

	logger.Info("starting ai gateway", "config", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	recorder, redisClient, err := buildRecorder(cfg, logger.Logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	capture := telemetry.InstallCapture(recorder)
	defer telemetry.TeardownCapture()

	httpClient := buildHTTPClient(cfg, recorder, logger.Logger)

	router, err := buildRouter(cfg, recorder, logger.Logger, httpClient)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	cfgManager.OnChange(func(next *config.Config) {
		if err := router.Rebuild(routerConfig(next)); err != nil {
			logger.Error("config change rejected", "error", err)
		}
	})
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	defer func() { _ = cfgManager.Close() }()

	prober := healthcheck.NewProber(healthcheck.Config{
		Enabled: true,
	}, router, logger.Logger)
	prober.Start(ctx)

	mux := http.NewServeMux()
	handler := api.NewHandler(router, recorder, prober, logger.Logger)
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	capture.Go("http_server", func() error {
		logger.Info("gateway listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return err
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func buildRecorder(cfg *config.Config, logger *slog.Logger) (*telemetry.Recorder, *redis.Client, error) {
	var store telemetry.EventStore
	var redisClient *redis.Client

	switch cfg.Telemetry.Store {
	case "redis":
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Telemetry.RedisAddr})
		opts := []telemetry.RedisStoreOption{}
		if cfg.Telemetry.RedisKey != "" {
			opts = append(opts, telemetry.WithRedisKey(cfg.Telemetry.RedisKey))
		}
		if cfg.Telemetry.MaxEvents > 0 {
			opts = append(opts, telemetry.WithRedisMaxEvents(cfg.Telemetry.MaxEvents))
		}
		store = telemetry.NewRedisStore(redisClient, opts...)
	default:
		store = telemetry.NewMemoryStore(cfg.Telemetry.MaxEvents)
	}

	recorder := telemetry.NewRecorder(
		telemetry.WithLogger(logger),
		telemetry.WithStore(store),
	)
	return recorder, redisClient, nil
}

func buildHTTPClient(cfg *config.Config, recorder *telemetry.Recorder, logger *slog.Logger) *httpclient.Client {
	registryCfg := resilience.RegistryConfig{}
	if cfg.RateLimit.Enabled {
		registryCfg.LimiterRate = float64(cfg.RateLimit.RequestsPerMinute) / 60
		registryCfg.LimiterBurst = cfg.RateLimit.BurstSize
	}

	return httpclient.New(httpclient.Config{
		Registry: resilience.NewRegistry(registryCfg),
		Logger:   logger,
		Record: func(category string, err error, fields map[string]any) {
			recorder.Record(telemetry.Category(category), err, fields)
		},
	})
}

func buildRouter(cfg *config.Config, recorder *telemetry.Recorder, logger *slog.Logger, httpClient *httpclient.Client) (*aigateway.Router, error) {
	router, err := aigateway.NewRouter(routerConfig(cfg),
		aigateway.WithRecorder(recorder),
		aigateway.WithRouterLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	registered := 0
	for _, provCfg := range cfg.Providers {
		if provCfg.RequiresAPIKey() && provCfg.APIKey == "" {
			logger.Warn("provider skipped, no api key", "name", provCfg.Name, "type", provCfg.Type)
			continue
		}

		prov, err := providers.Create(provider.Config{
			Name:    provCfg.Name,
			Type:    provCfg.Type,
			APIKey:  provCfg.APIKey,
			BaseURL: provCfg.BaseURL,
			Models:  provCfg.Models,
			Timeout: provCfg.Timeout,
			Headers: provCfg.Headers,
			HTTP:    httpClient,
		})
		if err != nil {
			logger.Error("failed to create provider", "name", provCfg.Name, "error", err)
			continue
		}

		router.RegisterProvider(prov)
		registered++
		logger.Info("registered provider", "name", provCfg.Name, "type", provCfg.Type, "models", len(provCfg.Models))
	}

	if registered == 0 {
		return nil, fmt.Errorf("no providers could be registered")
	}
	return router, nil
}

func routerConfig(cfg *config.Config) aigateway.RouterConfig {
	rules := make([]aigateway.Rule, 0, len(cfg.Routing.Rules))
	for _, rc := range cfg.Routing.Rules {
		rules = append(rules, aigateway.Rule{
			Name:     rc.Name,
			Match:    rc.Match.Matcher(),
			Provider: rc.Provider,
			Model:    rc.Model,
		})
	}

	return aigateway.RouterConfig{
		DefaultProvider:  cfg.Routing.DefaultProvider,
		DefaultModel:     cfg.Routing.DefaultModel,
		FallbackProvider: cfg.Routing.FallbackProvider,
		FallbackModel:    cfg.Routing.FallbackModel,
		Rules:            rules,
		MaxRetries:       cfg.Routing.MaxRetries,
		RetryDelay:       cfg.Routing.RetryDelay,
		Timeout:          cfg.Routing.Timeout,
		ClinicalSafety:   aigateway.NewKeywordSafetyChecker(cfg.Safety.BlockedTerms...),
	}
}
