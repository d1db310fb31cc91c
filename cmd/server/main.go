package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"go.pilab.hu/oauthlink/config"
	"go.pilab.hu/oauthlink/internal/crypto"
	"go.pilab.hu/oauthlink/internal/metrics"
	"go.pilab.hu/oauthlink/internal/server"
	"go.pilab.hu/oauthlink/internal/telemetry"
	"go.pilab.hu/oauthlink/log"
	"go.pilab.hu/oauthlink/tracing"
)

func main() {
	configFile := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the configuration file")
	flag.Parse()

	// Load configuration first
	cfg, err := loadConfig(*configFile)
	if err != nil {
		stdLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		stdLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	appLogger, err := log.Setup(cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		stdLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		stdLog.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	ctx := context.Background()
	appLogger.Info(ctx, "Starting oauthlink server...", map[string]interface{}{
		"http_addr":       cfg.HTTPAddr,
		"environment":     cfg.Environment,
		"public_base_url": cfg.PublicBaseURL,
		"storage_backend": cfg.StorageBackend,
		"nonce_backend":   cfg.NonceBackend,
		"otel_service":    cfg.OtelServiceName,
	})

	tp, err := tracing.InitTracerProvider(ctx, tracing.Options{
		ServiceName: cfg.OtelServiceName,
		Endpoint:    cfg.OtelExporterEndpoint,
	})
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize TracerProvider", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.InitCustomMetrics(registry)
	mp, err := telemetry.InitMeterProvider(registry)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize MeterProvider", err)
	}

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize application", err)
	}

	httpServer := server.NewHTTPServer(app, appLogger, registry)
	go func() {
		appLogger.Info(ctx, fmt.Sprintf("HTTP server listening on %s", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(ctx, "Failed to start HTTP server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-quit

	appLogger.Info(ctx, fmt.Sprintf("Received signal: %v. Shutting down server...", receivedSignal))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown error", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "Failed to close storage", err)
	}
	telemetry.Shutdown(shutdownCtx, tp, mp)

	appLogger.Info(shutdownCtx, "Server gracefully stopped.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadSecrets(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Secrets.SessionJWTSecret) < crypto.MinSecretLength {
		return nil, fmt.Errorf("%w: %sSESSION_JWT_SECRET must be at least %d bytes",
			config.ErrInvalidConfig, config.EnvPrefix, crypto.MinSecretLength)
	}
	return cfg, nil
}
