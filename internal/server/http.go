package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promaaa/open-medSecretary/internal/config"
	"github.com/promaaa/open-medSecretary/internal/events"
	"github.com/promaaa/open-medSecretary/internal/metrics"
	"github.com/promaaa/open-medSecretary/internal/pipeline"
	"github.com/promaaa/open-medSecretary/internal/session"
)

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *session.Registry
	tcp      *TCPServer
	backends Backends
	metrics  *metrics.Metrics

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// Backends holds the collaborator clients the admin API reports on. Any
// field may be nil; the corresponding stats block is then omitted.
type Backends struct {
	STT      *pipeline.WhisperClient
	LLM      *pipeline.OllamaClient
	TTS      *pipeline.PiperClient
	Transfer *pipeline.SwitchControl
	Events   events.Publisher
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	registry *session.Registry, tcp *TCPServer, backends Backends, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		registry:  registry,
		tcp:       tcp,
		backends:  backends,
		metrics:   m,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Call monitoring endpoints
	mux.HandleFunc("/calls", h.withMetrics("/calls", h.handleCalls))
	mux.HandleFunc("/calls/", h.withMetrics("/calls/{id}", h.handleCallDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoints
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/pipeline", h.withMetrics("/stats/pipeline", h.handlePipelineStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	tcpStats := h.tcp.GetStatistics()

	components := map[string]interface{}{
		"tcp_server": map[string]interface{}{
			"status":               "running",
			"connections_accepted": tcpStats.ConnectionsAccepted,
			"sessions_started":     tcpStats.SessionsStarted,
			"handshake_failures":   tcpStats.HandshakeFailures,
			"sessions_rejected":    tcpStats.SessionsRejected,
		},
		"session_registry": map[string]interface{}{
			"status":       "running",
			"active_calls": h.registry.Count(),
		},
	}

	if kp, ok := h.backends.Events.(*events.KafkaPublisher); ok {
		stats := kp.GetStats()
		components["events"] = map[string]interface{}{
			"status":    "running",
			"published": stats.Published,
			"dropped":   stats.Dropped,
			"queued":    stats.Queued,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "open-medsecretary",
			"version": "1.0.0",
		},
		"components": components,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleCalls implements the /calls endpoint
func (h *HTTPServer) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.registry.All()
	infos := make([]session.SessionInfo, 0, len(sessions))

	for _, s := range sessions {
		infos = append(infos, s.Info())
	}

	response := map[string]interface{}{
		"total_calls": len(infos),
		"timestamp":   time.Now().UTC(),
		"calls":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCallDetail implements the /calls/{call_id} endpoint
func (h *HTTPServer) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract call ID from URL path
	callIDStr := r.URL.Path[len("/calls/"):]
	if callIDStr == "" {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}

	callID, err := uuid.Parse(callIDStr)
	if err != nil {
		http.Error(w, "Invalid call ID", http.StatusBadRequest)
		return
	}

	s, exists := h.registry.Get(callID)
	if !exists {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"call":    s.Info(),
		"history": s.History(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (API keys and prompt texts omitted)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"tcp_port":             h.config.Server.TCPPort,
			"bind_address":         h.config.Server.BindAddress,
			"start_timeout":        h.config.Server.StartTimeout,
			"write_timeout":        h.config.Server.WriteTimeout,
			"max_concurrent_calls": h.config.Server.MaxConcurrentCalls,
		},
		"audio": map[string]interface{}{
			"sample_rate":       h.config.Audio.SampleRate,
			"chunk_duration":    h.config.Audio.ChunkDuration,
			"jitter_window":     h.config.Audio.JitterWindow,
			"jitter_capacity":   h.config.Audio.JitterCapacity,
			"pacer_queue_limit": h.config.Audio.PacerQueueLimit,
		},
		"vad": map[string]interface{}{
			"threshold":       h.config.VAD.Threshold,
			"smoothing":       h.config.VAD.Smoothing,
			"hangover_chunks": h.config.VAD.HangoverChunks,
		},
		"turns": map[string]interface{}{
			"emergency_digit":        h.config.Turns.EmergencyDigit,
			"transfer_destination":   h.config.Turns.TransferDestination,
			"failure_threshold":      h.config.Turns.FailureThreshold,
			"max_utterance_duration": h.config.Turns.MaxUtteranceDuration,
			"turn_timeout":           h.config.Turns.TurnTimeout,
			"inactivity_timeout":     h.config.Turns.InactivityTimeout,
			"sweep_interval":         h.config.Turns.SweepInterval,
			"history_limit":          h.config.Turns.HistoryLimit,
		},
		"stt": map[string]interface{}{
			"endpoint":       h.config.STT.Endpoint,
			"model":          h.config.STT.Model,
			"language":       h.config.STT.Language,
			"timeout":        h.config.STT.Timeout,
			"max_retries":    h.config.STT.MaxRetries,
			"max_concurrent": h.config.STT.MaxConcurrent,
			// Note: API key is intentionally omitted for security
		},
		"llm": map[string]interface{}{
			"base_url":   h.config.LLM.BaseURL,
			"model":      h.config.LLM.Model,
			"keep_alive": h.config.LLM.KeepAlive,
			"timeout":    h.config.LLM.Timeout,
		},
		"tts": map[string]interface{}{
			"base_url":    h.config.TTS.BaseURL,
			"voice":       h.config.TTS.Voice,
			"sample_rate": h.config.TTS.SampleRate,
			"timeout":     h.config.TTS.Timeout,
		},
		"transfer": map[string]interface{}{
			"base_url": h.config.Transfer.BaseURL,
			"timeout":  h.config.Transfer.Timeout,
		},
		"events": map[string]interface{}{
			"enabled": h.config.Events.Enabled,
			"brokers": h.config.Events.Brokers,
			"topic":   h.config.Events.Topic,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tcpStats := h.tcp.GetStatistics()
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"tcp":       tcpStats,
		"calls": map[string]interface{}{
			"active_count": h.registry.Count(),
		},
		"pipeline": h.pipelineStats(),
	}

	if kp, ok := h.backends.Events.(*events.KafkaPublisher); ok {
		stats["events"] = kp.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handlePipelineStats implements the /stats/pipeline endpoint
func (h *HTTPServer) handlePipelineStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.pipelineStats())
}

// pipelineStats aggregates collaborator client counters, skipping nil clients
func (h *HTTPServer) pipelineStats() map[string]interface{} {
	stats := map[string]interface{}{}

	if h.backends.STT != nil {
		stats["stt"] = h.backends.STT.GetStats()
	}
	if h.backends.LLM != nil {
		stats["llm"] = h.backends.LLM.GetStats()
	}
	if h.backends.TTS != nil {
		stats["tts"] = h.backends.TTS.GetStats()
	}
	if h.backends.Transfer != nil {
		stats["transfer"] = h.backends.Transfer.GetStats()
	}

	return stats
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Open MedSecretary Voice Bridge",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                "API documentation",
			"GET /health":          "Service health check",
			"GET /calls":           "List all active calls",
			"GET /calls/{call_id}": "Get call details and conversation history",
			"GET /config":          "Get service configuration",
			"GET /stats":           "Get service statistics",
			"GET /stats/pipeline":  "Get collaborator backend statistics",
			"GET /metrics":         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
