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

	"github.com/joho/godotenv"

	"github.com/promaaa/open-medSecretary/internal/audio"
	"github.com/promaaa/open-medSecretary/internal/config"
	"github.com/promaaa/open-medSecretary/internal/events"
	"github.com/promaaa/open-medSecretary/internal/metrics"
	"github.com/promaaa/open-medSecretary/internal/pipeline"
	"github.com/promaaa/open-medSecretary/internal/protocol"
	"github.com/promaaa/open-medSecretary/internal/server"
	"github.com/promaaa/open-medSecretary/internal/session"
	"github.com/promaaa/open-medSecretary/internal/turn"
	"github.com/promaaa/open-medSecretary/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "open-medsecretary"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}

	// Optional .env file; variables already set in the environment win.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("tcp_port", cfg.Server.TCPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_calls", cfg.Server.MaxConcurrentCalls),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("chunk_duration", cfg.Audio.ChunkDuration),
		slog.Float64("vad_threshold", cfg.VAD.Threshold),
		slog.String("stt_endpoint", cfg.STT.Endpoint),
		slog.String("llm_model", cfg.LLM.Model),
		slog.String("tts_base_url", cfg.TTS.BaseURL),
		slog.Bool("events_enabled", cfg.Events.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(nil)
	logger.Info("Prometheus metrics initialized")

	// Initialize event publisher
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Events.Enabled {
		publisher = events.NewKafkaPublisher(events.Config{
			Brokers:   cfg.Events.Brokers,
			Topic:     cfg.Events.Topic,
			QueueSize: cfg.Events.QueueSize,
		}, logger, appMetrics)
		logger.Info("Kafka event publisher initialized",
			slog.Any("brokers", cfg.Events.Brokers),
			slog.String("topic", cfg.Events.Topic),
		)
	}

	// Initialize pipeline backends
	sttClient, err := pipeline.NewWhisperClient(pipeline.WhisperConfig{
		Endpoint:      cfg.STT.Endpoint,
		APIKey:        cfg.STT.APIKey,
		Model:         cfg.STT.Model,
		Language:      cfg.STT.Language,
		SampleRate:    cfg.Audio.SampleRate,
		Timeout:       cfg.STT.GetTimeoutDuration(),
		MaxRetries:    cfg.STT.MaxRetries,
		MaxConcurrent: cfg.STT.MaxConcurrent,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	llmClient, err := pipeline.NewOllamaClient(pipeline.OllamaConfig{
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		KeepAlive: cfg.LLM.KeepAlive,
		Timeout:   cfg.LLM.GetTimeoutDuration(),
	})
	if err != nil {
		logger.Error("Failed to create generation client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ttsClient, err := pipeline.NewPiperClient(pipeline.PiperConfig{
		BaseURL:    cfg.TTS.BaseURL,
		Voice:      cfg.TTS.Voice,
		SampleRate: cfg.TTS.SampleRate,
		Timeout:    cfg.TTS.GetTimeoutDuration(),
	})
	if err != nil {
		logger.Error("Failed to create synthesis client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	transferClient, err := pipeline.NewSwitchControl(pipeline.TransferConfig{
		BaseURL: cfg.Transfer.BaseURL,
		APIKey:  cfg.Transfer.APIKey,
		Timeout: cfg.Transfer.GetTimeoutDuration(),
	})
	if err != nil {
		logger.Error("Failed to create switch control client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Pipeline backends initialized",
		slog.String("stt_endpoint", cfg.STT.Endpoint),
		slog.String("llm_base_url", cfg.LLM.BaseURL),
		slog.String("tts_base_url", cfg.TTS.BaseURL),
		slog.String("transfer_base_url", cfg.Transfer.BaseURL),
	)

	// Initialize session registry
	registry, err := session.NewRegistry(buildSessionConfig(cfg), session.Deps{
		Logger:   logger,
		Metrics:  appMetrics,
		Events:   publisher,
		STT:      sttClient,
		LLM:      llmClient,
		TTS:      ttsClient,
		Transfer: transferClient,
	})
	if err != nil {
		logger.Error("Failed to create session registry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session registry initialized",
		slog.Int("max_concurrent_calls", cfg.Server.MaxConcurrentCalls),
		slog.Duration("inactivity_timeout", cfg.Turns.GetInactivityTimeoutDuration()),
	)

	// Initialize TCP server
	tcpServer := server.NewTCPServer(&cfg.Server, logger, registry, appMetrics)
	logger.Info("TCP server initialized")

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpConfig := server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
			Enabled: cfg.HTTP.Enabled,
		}
		backends := server.Backends{
			STT:      sttClient,
			LLM:      llmClient,
			TTS:      ttsClient,
			Transfer: transferClient,
			Events:   publisher,
		}
		httpServer = server.NewHTTPServer(httpConfig, logger, cfg, registry, tcpServer, backends, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start TCP server
	if err := tcpServer.Start(); err != nil {
		logger.Error("Failed to start TCP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start HTTP server (if enabled)
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for calls...",
		slog.String("tcp_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.TCPPort)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop TCP server (stop accepting new connections)
	if err := tcpServer.Stop(); err != nil {
		logger.Error("Error stopping TCP server", slog.String("error", err.Error()))
	}

	// Stop session registry (hang up active calls and wait for them)
	registryCtx, registryCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer registryCancel()
	registry.Stop(registryCtx)

	// Flush and close the event publisher
	if err := publisher.Close(); err != nil {
		logger.Error("Error closing event publisher", slog.String("error", err.Error()))
	}

	// Get final statistics
	stats := tcpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("sessions_started", stats.SessionsStarted),
		slog.Uint64("handshake_failures", stats.HandshakeFailures),
		slog.Uint64("sessions_rejected", stats.SessionsRejected),
	)

	logger.Info("Service stopped")
}

// buildSessionConfig maps the file configuration onto the per-session
// settings the registry hands to every call.
func buildSessionConfig(cfg *config.Config) session.Config {
	turnConfig := turn.DefaultConfig()
	if cfg.Turns.Greeting != "" {
		turnConfig.Greeting = cfg.Turns.Greeting
	}
	if cfg.Turns.Goodbye != "" {
		turnConfig.Goodbye = cfg.Turns.Goodbye
	}
	if cfg.Turns.Apology != "" {
		turnConfig.Apology = cfg.Turns.Apology
	}
	if cfg.Turns.TransferFailed != "" {
		turnConfig.TransferFailed = cfg.Turns.TransferFailed
	}
	if cfg.Turns.EmergencyDigit != "" {
		turnConfig.EmergencyDigit = cfg.Turns.EmergencyDigit[0]
	}
	if cfg.Turns.TransferDestination != "" {
		turnConfig.TransferDestination = cfg.Turns.TransferDestination
	}
	turnConfig.FailureThreshold = cfg.Turns.FailureThreshold
	turnConfig.MaxUtteranceBytes = audio.ChunkBytes(cfg.Audio.SampleRate, cfg.Turns.GetMaxUtteranceDuration())

	return session.Config{
		Limits: protocol.Limits{
			MaxPayload:      protocol.DefaultMaxPayload,
			AudioChunkBytes: audio.ChunkBytes(cfg.Audio.SampleRate, cfg.Audio.GetChunkDuration()),
		},
		SampleRate:      cfg.Audio.SampleRate,
		ChunkDuration:   cfg.Audio.GetChunkDuration(),
		JitterWindow:    uint32(cfg.Audio.JitterWindow),
		JitterCapacity:  cfg.Audio.JitterCapacity,
		PacerQueueLimit: cfg.Audio.PacerQueueLimit,
		VAD: vad.Config{
			Threshold:      cfg.VAD.Threshold,
			Smoothing:      cfg.VAD.Smoothing,
			HangoverChunks: cfg.VAD.HangoverChunks,
		},
		Turn: turnConfig,
		Bridge: pipeline.BridgeConfig{
			SystemPrompt: cfg.LLM.SystemPrompt,
			LanguageHint: cfg.STT.Language,
			SampleRate:   cfg.Audio.SampleRate,
			MaxHistory:   cfg.Turns.HistoryLimit,
		},
		TurnTimeout:       cfg.Turns.GetTurnTimeoutDuration(),
		WriteTimeout:      cfg.Server.GetWriteTimeoutDuration(),
		MaxCalls:          cfg.Server.MaxConcurrentCalls,
		InactivityTimeout: cfg.Turns.GetInactivityTimeoutDuration(),
		SweepInterval:     cfg.Turns.GetSweepIntervalDuration(),
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
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
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
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

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
