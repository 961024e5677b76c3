package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/speech-stream-service/internal/config"
	"github.com/skypro1111/speech-stream-service/internal/metrics"
	"github.com/skypro1111/speech-stream-service/internal/stream"
	"github.com/skypro1111/speech-stream-service/internal/transcription"
)

const (
	serviceName    = "speech-stream-service"
	serviceVersion = "1.0.0"
)

// TranscriptionStats reports transcription backend statistics
type TranscriptionStats interface {
	Stats() (transcription.ClientStats, bool)
}

// HTTPServer serves the streaming WebSocket endpoint and the monitoring API
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	stats     TranscriptionStats
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	// Server state
	startTime           time.Time
	connectionsAccepted uint64
	connectionsRejected uint64
	mu                  sync.RWMutex

	// Live WebSocket handlers, which Shutdown does not track
	handlers sync.WaitGroup
}

// NewHTTPServer creates a new HTTP server. stats may be nil.
func NewHTTPServer(logger *slog.Logger, appConfig *config.Config, streamMgr *stream.Manager,
	stats TranscriptionStats, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		streamMgr: streamMgr,
		stats:     stats,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	// No read or write timeouts: WebSocket connections live as long as the client streams
	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", appConfig.Server.Address, appConfig.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Streaming endpoint; the metrics wrapper would hide the Hijacker
	mux.HandleFunc("/ws/transcribe", h.handleTranscribe)

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Streams monitoring endpoints
	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/{id}", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the server's request router
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
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

// ListenAndServe serves until Stop is called. A clean shutdown returns nil.
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
		slog.String("stream_endpoint", "/ws/transcribe"),
	)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server. Hijacked WebSocket connections are
// not tracked by Shutdown and are ended by the stream manager instead.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// Wait blocks until every WebSocket handler has returned or ctx is done.
// Call it after Stop and after the stream manager has ended the sessions.
func (h *HTTPServer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("WebSocket handlers still running: %w", ctx.Err())
	}
}

// ConnectionCounts returns how many WebSocket connections were accepted and refused
func (h *HTTPServer) ConnectionCounts() (accepted, rejected uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connectionsAccepted, h.connectionsRejected
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// transcriptionStats returns backend statistics, or nil when none are kept
func (h *HTTPServer) transcriptionStats() *transcription.ClientStats {
	if h.stats == nil {
		return nil
	}
	stats, ok := h.stats.Stats()
	if !ok {
		return nil
	}
	return &stats
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	configured := h.config.Transcription.Configured()
	status := "healthy"
	transcriptionStatus := "running"
	if !configured {
		// Sessions are refused until a backend is configured
		status = "degraded"
		transcriptionStatus = "not_configured"
	}

	transcriptionComponent := map[string]any{
		"status":  transcriptionStatus,
		"backend": h.config.Transcription.Backend,
		"model":   h.config.Transcription.Model,
	}
	if stats := h.transcriptionStats(); stats != nil {
		transcriptionComponent["total_requests"] = stats.TotalRequests
		transcriptionComponent["success_rate"] = stats.SuccessRate
		transcriptionComponent["active_requests"] = stats.ActiveRequests
	}

	health := map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"stream_manager": map[string]any{
				"status":          "running",
				"active_sessions": h.streamMgr.GetActiveSessionCount(),
				"max_sessions":    h.config.Server.MaxConcurrentSessions,
			},
			"transcription": transcriptionComponent,
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.streamMgr.GetAllSessions()
	sessionInfos := make([]stream.SessionInfo, 0, len(sessions))

	for _, session := range sessions {
		sessionInfos = append(sessionInfos, session.Info())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_streams": len(sessionInfos),
		"timestamp":     time.Now().UTC(),
		"streams":       sessionInfos,
	})
}

// handleStreamDetail implements the /streams/{id} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	session, exists := h.streamMgr.GetSession(id)
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, session.Info())
}

// handleConfig implements the /config endpoint. The API key is excluded by
// its struct tag.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.config)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accepted, rejected := h.ConnectionCounts()

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"connections": map[string]any{
			"accepted": accepted,
			"rejected": rejected,
		},
		"streams": map[string]any{
			"active_count": h.streamMgr.GetActiveSessionCount(),
			"total_count":  h.streamMgr.GetTotalSessionCount(),
		},
		"transcription": h.transcriptionStats(),
	}

	writeJSON(w, http.StatusOK, stats)
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

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Speech Stream Service",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":              "API documentation",
			"GET /ws/transcribe": "WebSocket audio stream (binary float32 frames, {\"event\":\"eof\"} to flush)",
			"GET /health":        "Service health check",
			"GET /streams":       "List all active streams",
			"GET /streams/{id}":  "Get detailed stream information",
			"GET /config":        "Get service configuration",
			"GET /stats":         "Get service statistics",
			"GET /metrics":       "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
