package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/speech-stream-service/internal/config"
	"github.com/skypro1111/speech-stream-service/internal/metrics"
	"github.com/skypro1111/speech-stream-service/internal/server"
	"github.com/skypro1111/speech-stream-service/internal/stream"
	"github.com/skypro1111/speech-stream-service/internal/transcript"
	"github.com/skypro1111/speech-stream-service/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "speech-stream-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty for defaults)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.Int("max_concurrent_sessions", cfg.Server.MaxConcurrentSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("silence_duration", cfg.Segment.SilenceDuration),
		slog.String("transcription_backend", cfg.Transcription.Backend),
		slog.String("transcription_model", cfg.Transcription.Model),
		slog.String("transcription_language", cfg.Transcription.Language),
		slog.Bool("transcription_configured", cfg.Transcription.Configured()),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Without a backend the service still starts; sessions are refused
	var backend transcription.Transcriber
	client, err := transcription.New(server.ClientConfig(cfg))
	switch {
	case err == nil:
		backend = client
		logger.Info("Transcription client initialized",
			slog.String("backend", cfg.Transcription.Backend),
			slog.Int("max_concurrent", cfg.Transcription.MaxConcurrent),
		)
	case errors.Is(err, transcription.ErrMissingAPIKey), errors.Is(err, transcription.ErrEmptyEndpoint):
		logger.Warn("Transcription backend not configured, streaming sessions will be refused",
			slog.String("error", err.Error()),
		)
	default:
		return fmt.Errorf("failed to create transcription client: %w", err)
	}

	dispatcher := transcription.NewDispatcher(backend, server.DispatcherConfig(cfg), appMetrics, logger)

	filter, err := transcript.NewFilter(cfg.Filter.BlockedPatterns)
	if err != nil {
		return fmt.Errorf("failed to compile transcript filter: %w", err)
	}
	logger.Info("Transcript filter initialized", slog.Int("patterns", len(filter.Patterns())))

	streamMgr, err := stream.NewManager(logger, server.ManagerConfig(cfg), dispatcher, filter, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create stream manager: %w", err)
	}

	httpServer := server.NewHTTPServer(logger, cfg, streamMgr, dispatcher, appMetrics, registry)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpServer.ListenAndServe)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
		defer cancel()

		// Stop accepting connections, then end the live sessions
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		streamMgr.Stop()

		// Let every handler deliver its close frame before the process exits
		if err := httpServer.Wait(shutdownCtx); err != nil {
			logger.Warn("Closing without waiting for all clients", slog.String("error", err.Error()))
		}

		// Wait for outstanding transcription requests
		if client != nil {
			if err := client.Close(shutdownCtx); err != nil {
				logger.Warn("Transcription requests still running at shutdown", slog.String("error", err.Error()))
			}
			stats := client.Stats()
			logger.Info("Final transcription statistics",
				slog.Uint64("total_requests", stats.TotalRequests),
				slog.Uint64("success_requests", stats.SuccessRequests),
				slog.Uint64("failed_requests", stats.FailedRequests),
			)
		}

		accepted, rejected := httpServer.ConnectionCounts()
		logger.Info("Final server statistics",
			slog.Uint64("connections_accepted", accepted),
			slog.Uint64("connections_rejected", rejected),
			slog.Uint64("total_sessions", streamMgr.GetTotalSessionCount()),
		)
		return nil
	})

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	return g.Wait()
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
