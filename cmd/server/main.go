package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/audiosocket-agent/internal/audio"
	"github.com/skypro1111/audiosocket-agent/internal/config"
	"github.com/skypro1111/audiosocket-agent/internal/dialogue"
	"github.com/skypro1111/audiosocket-agent/internal/metrics"
	"github.com/skypro1111/audiosocket-agent/internal/pipeline"
	"github.com/skypro1111/audiosocket-agent/internal/server"
	"github.com/skypro1111/audiosocket-agent/internal/session"
	"github.com/skypro1111/audiosocket-agent/internal/synthesis"
	"github.com/skypro1111/audiosocket-agent/internal/transcription"
	"github.com/skypro1111/audiosocket-agent/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audiosocket-agent"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
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

	// Configuration summary without secrets
	logger.Info("Configuration loaded",
		slog.Bool("tcp_enabled", cfg.Server.Enabled),
		slog.Int("tcp_port", cfg.Server.Port),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.Int("http_port", cfg.HTTP.Port),
		slog.Int("max_concurrent_calls", cfg.Server.MaxConcurrentCalls),
		slog.Float64("vad_threshold_dbfs", cfg.VAD.ThresholdDBFS),
		slog.Int("workers", cfg.Pipeline.Workers),
		slog.String("transcription_backend", cfg.Transcription.Backend),
		slog.String("dialogue_model", cfg.Dialogue.Model),
		slog.String("synthesis_backend", cfg.Synthesis.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Signals are caught before any listener opens
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// run serves calls until ctx is cancelled, then shuts the transports down
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	transcriber, err := transcription.New(transcription.Config{
		Backend:        cfg.Transcription.Backend,
		Endpoint:       cfg.Transcription.Endpoint,
		APIKey:         cfg.Transcription.APIKey,
		Model:          cfg.Transcription.Model,
		Language:       cfg.Transcription.Language,
		SampleRate:     cfg.Audio.SampleRate,
		Timeout:        cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:     cfg.Transcription.MaxRetries,
		MaxConcurrent:  cfg.Transcription.MaxConcurrent,
		ResponseFormat: cfg.Transcription.OutputFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to create transcription client: %w", err)
	}
	defer transcriber.Close()

	generator, err := dialogue.NewClient(dialogue.Config{
		APIKey:       cfg.Dialogue.APIKey,
		BaseURL:      cfg.Dialogue.BaseURL,
		Model:        cfg.Dialogue.Model,
		SystemPrompt: cfg.Dialogue.SystemPrompt,
		Temperature:  cfg.Dialogue.Temperature,
		MaxTokens:    cfg.Dialogue.MaxTokens,
		Timeout:      cfg.Dialogue.GetTimeoutDuration(),
		MaxRetries:   cfg.Dialogue.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create dialogue client: %w", err)
	}

	synthesizer, err := synthesis.New(synthesis.Config{
		Backend:    cfg.Synthesis.Backend,
		Endpoint:   cfg.Synthesis.Endpoint,
		APIKey:     cfg.Synthesis.APIKey,
		Model:      cfg.Synthesis.Model,
		Voice:      cfg.Synthesis.Voice,
		Speed:      cfg.Synthesis.Speed,
		SourceRate: cfg.Synthesis.SourceRate,
		Timeout:    cfg.Synthesis.GetTimeoutDuration(),
		MaxRetries: cfg.Synthesis.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create synthesis client: %w", err)
	}

	logger.Info("Backends initialized",
		slog.String("transcription_backend", cfg.Transcription.Backend),
		slog.String("dialogue_model", generator.Config().Model),
		slog.String("synthesis_backend", cfg.Synthesis.Backend),
	)

	pool, err := pipeline.NewPool(cfg.Pipeline.Workers, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	stages, err := pipeline.NewStages(pipeline.StagesConfig{
		Transcriber: transcriber,
		Generator:   generator,
		Synthesizer: synthesizer,
		Pool:        pool,
		Timeout:     cfg.Pipeline.GetStageTimeoutDuration(),
		Metrics:     appMetrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline stages: %w", err)
	}

	frameSize := audio.FrameSize(cfg.Audio.SampleRate, cfg.Audio.GetFrameDuration())
	classifier, err := vad.NewEnergyClassifier(cfg.VAD.ThresholdDBFS, frameSize)
	if err != nil {
		return fmt.Errorf("failed to create VAD classifier: %w", err)
	}

	sessions := session.NewManager(logger, session.ManagerConfig{
		IdleTimeout:  cfg.Audio.GetCallTimeoutDuration(),
		HistoryTurns: cfg.Pipeline.HistoryTurns,
	}, appMetrics)
	defer sessions.Stop()

	pipelineConfig := pipeline.DefaultConfig()
	pipelineConfig.SampleRate = cfg.Audio.SampleRate
	pipelineConfig.FrameSize = frameSize
	pipelineConfig.VAD = vad.Config{
		FrameDuration: cfg.Audio.GetFrameDuration(),
		Padding:       cfg.VAD.GetPaddingDuration(),
		Silence:       cfg.VAD.GetSilenceDuration(),
		TriggerRatio:  cfg.VAD.TriggerRatio,
		MinFill:       cfg.VAD.MinFill,
	}
	pipelineConfig.ReplyChunkSize = frameSize
	pipelineConfig.ReplyPacing = cfg.Pipeline.GetReplyPacingDuration()
	pipelineConfig.TurnQueue = cfg.Pipeline.TurnQueue
	pipelineConfig.ReadBufferSize = cfg.Server.ReadBufferSize

	handler, err := pipeline.NewHandler(pipeline.HandlerConfig{
		Config:     pipelineConfig,
		Stages:     stages,
		Classifier: classifier,
		Sessions:   sessions,
		Metrics:    appMetrics,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create call handler: %w", err)
	}

	logger.Info("Call pipeline initialized",
		slog.Int("frame_size", frameSize),
		slog.Int("vad_ring_frames", handler.Config().VAD.RingCapacity()),
		slog.Int("vad_silence_frames", handler.Config().VAD.SilenceFrames()),
		slog.Int("history_turns", cfg.Pipeline.HistoryTurns),
		slog.Int("turn_queue", cfg.Pipeline.TurnQueue),
	)

	var tcpServer *server.TCPServer
	if cfg.Server.Enabled {
		tcpServer = server.NewTCPServer(server.TCPServerConfig{
			Address:            fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
			MaxConcurrentCalls: cfg.Server.MaxConcurrentCalls,
		}, handler, logger, appMetrics)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		wsHandler := server.NewWSHandler(server.WSHandlerConfig{
			MaxConcurrentCalls: cfg.Server.MaxConcurrentCalls,
		}, handler, logger, appMetrics)

		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:          cfg.HTTP.Port,
			Address:       cfg.HTTP.Address,
			WebSocketPath: cfg.HTTP.WebSocketPath,
		}, server.HTTPServerDeps{
			Config:    cfg,
			Sessions:  sessions,
			TCPServer: tcpServer,
			WSHandler: wsHandler,
			Pool:      pool,
			Components: map[string]server.StatsFunc{
				"transcription": func() any { return transcriber.GetStats() },
				"dialogue":      func() any { return generator.GetStats() },
				"synthesis":     func() any { return synthesizer.GetStats() },
				"vad":           func() any { return classifier.GetStats() },
			},
			Metrics:  appMetrics,
			Gatherer: registry,
			Logger:   logger,
		})
	}

	if tcpServer != nil {
		if err := tcpServer.Start(); err != nil {
			return fmt.Errorf("failed to start AudioSocket server: %w", err)
		}
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			if tcpServer != nil {
				tcpServer.Stop()
			}
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-ctx.Done()
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Transports stop concurrently; each waits for its own calls to end
	var g errgroup.Group
	if httpServer != nil {
		g.Go(func() error {
			if err := httpServer.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("error stopping HTTP server: %w", err)
			}
			return nil
		})
	}
	if tcpServer != nil {
		g.Go(tcpServer.Stop)
	}
	if err := g.Wait(); err != nil {
		logger.Error("Shutdown incomplete", slog.String("error", err.Error()))
	}

	if tcpServer != nil {
		stats := tcpServer.GetStatistics()
		logger.Info("Final server statistics",
			slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
			slog.Uint64("connections_rejected", stats.ConnectionsRejected),
			slog.Uint64("call_errors", stats.CallErrors),
		)
	}

	return nil
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
		AddSource: level == slog.LevelDebug, // Add source info for debug level
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
