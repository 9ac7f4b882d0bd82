package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Belphemur/ImageCache/internal/config"
	"github.com/Belphemur/ImageCache/internal/engine"
	grpcserver "github.com/Belphemur/ImageCache/internal/grpc"
	"github.com/Belphemur/ImageCache/internal/metrics"
)

func main() {
	cfg := config.GetConfig()
	logger := config.GetLogger()

	logger.Info().
		Str("proxy_connection_string", cfg.ProxyConnectionString).
		Str("disk_cache_provider", cfg.DiskCache.Provider).
		Str("disk_cache_dir", cfg.DiskCache.Dir).
		Int("server_port", cfg.Server.Port).
		Str("server_address", cfg.Server.Address).
		Msg("Application started with configuration")

	if cfg.Sentry.Dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.Dsn,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialise Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	eng, err := engine.NewFromConfig(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create image cache engine")
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close image cache engine")
		}
	}()

	stats := eng.Stats()
	logger.Info().
		Int64("memory_max_bytes", stats.MemoryMaxBytes).
		Int64("disk_max_bytes", stats.DiskMaxBytes).
		Bool("disk_disabled", stats.DiskDisabled).
		Msg("Image cache ready")

	// Create and configure the gRPC server
	grpcServer := grpcserver.NewGRPCServer(eng)

	// Start Prometheus metrics HTTP server
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewHTTPServer(cfg.Server.Address, cfg.Metrics.Port)
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("Starting Prometheus metrics HTTP server")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal().Err(err).Msg("Failed to serve metrics")
			}
		}()
		defer func() {
			if err := metricsServer.Shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("Failed to shutdown metrics server")
			}
		}()
	}

	address := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		logger.Fatal().Err(err).Str("address", address).Msg("Failed to create listener")
	}

	logger.Info().Str("address", address).Msg("Starting gRPC server")

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(listener); err != nil {
		logger.Error().Err(err).Msg("Failed to serve gRPC")
		return
	}

	logger.Info().Msg("Server stopped gracefully")
}
