// Package main is the entry point for the creditgate API server.
//
// The server exposes the GenerationService over gRPC and the same operations
// over HTTP/JSON, plus provider callbacks, the Stripe webhook, health checks
// and Prometheus metrics.
//
// Lifecycle:
// 1. Load and validate configuration from env
// 2. Wire the store, ledger, providers and background workers
// 3. Start the gRPC and HTTP servers
// 4. Wait for shutdown signal
// 5. Gracefully drain connections and queued tasks
// 6. Clean up resources
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/reflection"

	"github.com/kelpejol/creditgate/internal/api"
	"github.com/kelpejol/creditgate/internal/app"
	"github.com/kelpejol/creditgate/internal/config"
	"github.com/kelpejol/creditgate/internal/payments"
	"github.com/kelpejol/creditgate/internal/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Info().
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Str("store_driver", cfg.StoreDriver).
		Bool("mirror", cfg.MirrorEnabled()).
		Msg("starting creditgate api server")

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(initCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}
	initCancel()

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	if err := a.Start(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start background workers")
	}
	logger.Info().Strs("providers", a.Providers.Names()).Msg("application initialized")

	grpcServer := api.NewGRPCServer(logger)
	api.RegisterGenerationServer(grpcServer, api.NewGenerationService(a.Generations, a.Ledger, logger))

	// Register reflection service for development (allows grpcurl to work)
	if cfg.Development() {
		reflection.Register(grpcServer)
		logger.Info().Msg("grpc reflection enabled")
	}

	go func() {
		listener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create listener")
		}

		logger.Info().
			Str("port", cfg.GRPCPort).
			Msg("grpc server listening")

		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal().Err(err).Msg("grpc server failed")
		}
	}()

	httpServer := createHTTPServer(cfg, a, logger)
	go func() {
		logger.Info().
			Str("port", cfg.HTTPPort).
			Msg("http server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new connections
	grpcServer.GracefulStop()
	logger.Info().Msg("grpc server stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	a.StopBackground()
	stopRun()
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("application close failed")
	}
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// In development, use pretty console output
	// In production, use JSON for structured logging
	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "creditgate-api").
			Str("environment", environment).
			Logger()
	}

	return logger
}

// createHTTPServer creates the HTTP server for the REST API, callbacks,
// webhooks, health checks and metrics.
func createHTTPServer(cfg *config.Config, a *app.App, logger zerolog.Logger) *http.Server {
	restCfg := rest.Config{
		Generations: a.Generations,
		Accounts:    a.Ledger,
		Callbacks:   a.EnqueueFetch,
		Ready:       a.Ready,
	}
	if cfg.StripeWebhookSecret != "" {
		restCfg.Stripe = payments.NewWebhook(cfg.StripeWebhookSecret, a.Ledger, logger)
	}
	if cfg.StorageDir != "" {
		restCfg.Media = http.FileServer(http.Dir(cfg.StorageDir))
	}

	return &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: rest.NewHandler(restCfg, logger).Routes(),
		// Result fetches copy artifacts to storage before answering.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}
