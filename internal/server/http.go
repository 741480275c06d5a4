package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/audiosocket-agent/internal/config"
	"github.com/skypro1111/audiosocket-agent/internal/metrics"
	"github.com/skypro1111/audiosocket-agent/internal/pipeline"
	"github.com/skypro1111/audiosocket-agent/internal/session"
)

// StatsFunc reports the statistics of one backend for /stats
type StatsFunc func() any

// HTTPServer provides HTTP API endpoints for monitoring and the WebSocket
// call transport
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger

	config     *config.Config
	sessions   *session.Manager
	tcpServer  *TCPServer
	wsHandler  *WSHandler
	pool       *pipeline.Pool
	components map[string]StatsFunc
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	// Server state
	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port          int
	Address       string
	WebSocketPath string
}

// HTTPServerDeps are the components the API reports on. TCPServer and
// WSHandler may be nil when that transport is disabled.
type HTTPServerDeps struct {
	Config     *config.Config
	Sessions   *session.Manager
	TCPServer  *TCPServer
	WSHandler  *WSHandler
	Pool       *pipeline.Pool
	Components map[string]StatsFunc
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// CallDetail is the /calls/{id} response
type CallDetail struct {
	session.SessionInfo
	History []session.Entry `json:"history"`
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, deps HTTPServerDeps) *HTTPServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		logger:     logger,
		config:     deps.Config,
		sessions:   deps.Sessions,
		tcpServer:  deps.TCPServer,
		wsHandler:  deps.WSHandler,
		pool:       deps.Pool,
		components: deps.Components,
		metrics:    deps.Metrics,
		gatherer:   deps.Gatherer,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux, cfg.WebSocketPath)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux, wsPath string) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/calls", h.withMetrics("/calls", h.handleCalls))
	mux.HandleFunc("/calls/", h.withMetrics("/calls/{id}", h.handleCallDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	// The WebSocket handler needs the raw ResponseWriter for hijacking
	if h.wsHandler != nil && wsPath != "" {
		mux.Handle(wsPath, h.wsHandler)
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Capture the status code
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

// Start binds the listener and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP: %w", err)
	}
	h.listener = listener

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound listener address
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server, then ends WebSocket calls
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	err := h.server.Shutdown(ctx)
	if h.wsHandler != nil {
		h.wsHandler.Stop()
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := map[string]any{
		"session_manager": map[string]any{
			"status":       "running",
			"active_calls": h.sessions.GetActiveSessionCount(),
		},
	}
	if h.tcpServer != nil {
		stats := h.tcpServer.GetStatistics()
		components["audiosocket_tcp"] = map[string]any{
			"status":       "running",
			"active_calls": stats.ActiveCalls,
			"capacity":     stats.Capacity,
		}
	}
	if h.wsHandler != nil {
		stats := h.wsHandler.GetStatistics()
		components["audiosocket_websocket"] = map[string]any{
			"status":       "running",
			"active_calls": stats.ActiveCalls,
			"capacity":     stats.Capacity,
		}
	}
	if h.pool != nil {
		components["worker_pool"] = map[string]any{
			"status":    "running",
			"size":      h.pool.Size(),
			"in_flight": h.pool.InFlight(),
		}
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "audiosocket-agent",
			"version": "1.0.0",
		},
		"components": components,
	}

	writeJSON(w, health)
}

// handleCalls implements the /calls endpoint
func (h *HTTPServer) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	calls := h.sessions.List()

	writeJSON(w, map[string]any{
		"total_calls": len(calls),
		"timestamp":   time.Now().UTC(),
		"calls":       calls,
	})
}

// handleCallDetail implements the /calls/{id} endpoint
func (h *HTTPServer) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callID := strings.TrimPrefix(r.URL.Path, "/calls/")
	if callID == "" || strings.Contains(callID, "/") {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}

	s, exists := h.sessions.Get(callID)
	if !exists {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}

	writeJSON(w, CallDetail{
		SessionInfo: s.GetSessionInfo(),
		History:     s.History(),
	})
}

// handleConfig implements the /config endpoint. API keys are tagged json:"-".
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.config == nil {
		http.Error(w, "Configuration unavailable", http.StatusNotFound)
		return
	}

	writeJSON(w, h.config)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"calls": map[string]any{
			"active_count": h.sessions.GetActiveSessionCount(),
		},
	}
	if h.tcpServer != nil {
		stats["tcp"] = h.tcpServer.GetStatistics()
	}
	if h.wsHandler != nil {
		stats["websocket"] = h.wsHandler.GetStatistics()
	}
	if h.pool != nil {
		stats["worker_pool"] = map[string]any{
			"size":      h.pool.Size(),
			"in_flight": h.pool.InFlight(),
		}
	}
	for name, fn := range h.components {
		stats[name] = fn()
	}

	writeJSON(w, stats)
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

	endpoints := map[string]string{
		"GET /":           "API documentation",
		"GET /health":     "Service health check",
		"GET /calls":      "List all active calls",
		"GET /calls/{id}": "Get call details and conversation history",
		"GET /config":     "Get service configuration",
		"GET /stats":      "Get service statistics",
		"GET /metrics":    "Prometheus metrics",
	}
	if h.wsHandler != nil && h.config != nil {
		endpoints["GET "+h.config.HTTP.WebSocketPath] = "AudioSocket over WebSocket"
	}

	writeJSON(w, map[string]any{
		"service":   "AudioSocket Voice Agent",
		"version":   "1.0.0",
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	})
}
