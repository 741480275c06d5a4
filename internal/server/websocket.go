package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/audiosocket-agent/internal/metrics"
)

// WSHandler upgrades HTTP requests to WebSocket and runs one call per
// connection. The binary messages carry the same framed byte stream as the
// TCP transport.
type WSHandler struct {
	handler  CallServer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	writeTimeout time.Duration
	semaphore    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closing  bool
	accepted uint64
	rejected uint64
}

// WSHandlerConfig contains WebSocket transport settings
type WSHandlerConfig struct {
	MaxConcurrentCalls int
	WriteTimeout       time.Duration
}

// NewWSHandler creates the WebSocket transport
func NewWSHandler(cfg WSHandlerConfig, handler CallServer, logger *slog.Logger, m *metrics.Metrics) *WSHandler {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WSHandler{
		handler: handler,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		writeTimeout: cfg.WriteTimeout,
		semaphore:    make(chan struct{}, cfg.MaxConcurrentCalls),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ServeHTTP upgrades the connection and runs the call until it ends.
// Returns 503 if at max concurrent call capacity.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// No call joins the wait group once Stop has marked the handler closing
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	select {
	case h.semaphore <- struct{}{}:
		defer func() { <-h.semaphore }()
	default:
		h.mu.Lock()
		h.rejected++
		h.mu.Unlock()

		h.metrics.RecordCallRejected()
		h.logger.Warn("Call capacity reached, rejecting WebSocket",
			slog.String("remote_addr", r.RemoteAddr),
		)
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	h.mu.Lock()
	h.accepted++
	h.mu.Unlock()

	stream := newWSStream(conn, r.RemoteAddr, h.writeTimeout)
	if err := h.handler.Serve(h.ctx, stream); err != nil {
		h.logger.Warn("WebSocket call ended with error",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
	}
}

// Stop ends all WebSocket calls and waits for them to finish
func (h *WSHandler) Stop() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

// GetStatistics returns WebSocket transport counters
func (h *WSHandler) GetStatistics() ServerStatistics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return ServerStatistics{
		ConnectionsAccepted: h.accepted,
		ConnectionsRejected: h.rejected,
		ActiveCalls:         len(h.semaphore),
		Capacity:            cap(h.semaphore),
	}
}
