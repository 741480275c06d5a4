package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/audiosocket-agent/internal/metrics"
)

// TCPServer accepts AudioSocket connections from Asterisk and runs one call
// per connection
type TCPServer struct {
	listener net.Listener
	config   TCPServerConfig
	handler  CallServer
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Concurrency management
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	semaphore chan struct{}

	// Statistics
	connectionsAccepted uint64
	connectionsRejected uint64
	callErrors          uint64
	mu                  sync.RWMutex
}

// TCPServerConfig contains listener settings
type TCPServerConfig struct {
	Address            string // host:port
	MaxConcurrentCalls int
}

// ServerStatistics represents listener counters
type ServerStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	CallErrors          uint64 `json:"call_errors"`
	ActiveCalls         int    `json:"active_calls"`
	Capacity            int    `json:"capacity"`
}

// NewTCPServer creates a new TCP server instance
func NewTCPServer(cfg TCPServerConfig, handler CallServer, logger *slog.Logger, m *metrics.Metrics) *TCPServer {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &TCPServer{
		config:    cfg,
		handler:   handler,
		logger:    logger,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		semaphore: make(chan struct{}, cfg.MaxConcurrentCalls),
	}
}

// Start binds the listener and begins accepting connections
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	s.listener = listener

	s.logger.Info("AudioSocket server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_concurrent_calls", s.config.MaxConcurrentCalls),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, ends all calls and waits for them to finish
func (s *TCPServer) Stop() error {
	s.logger.Info("Stopping AudioSocket server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Error closing TCP listener", slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("AudioSocket server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("connections_rejected", stats.ConnectionsRejected),
		slog.Uint64("call_errors", stats.CallErrors),
	)

	return nil
}

// acceptLoop is the main connection accepting loop
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			// Temporary failures such as EMFILE: back off and retry
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Error("Failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		select {
		case s.semaphore <- struct{}{}:
		default:
			s.reject(conn)
			continue
		}

		s.mu.Lock()
		s.connectionsAccepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// reject closes a connection that arrived while at capacity
func (s *TCPServer) reject(conn net.Conn) {
	s.mu.Lock()
	s.connectionsRejected++
	s.mu.Unlock()

	s.metrics.RecordCallRejected()
	s.logger.Warn("Call capacity reached, rejecting connection",
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.Int("max_concurrent_calls", s.config.MaxConcurrentCalls),
	)
	conn.Close()
}

// serveConn runs one call and releases its slot
func (s *TCPServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.semaphore }()

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	if err := s.handler.Serve(s.ctx, &connStream{Conn: conn}); err != nil {
		s.mu.Lock()
		s.callErrors++
		s.mu.Unlock()

		s.logger.Warn("Call ended with error",
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)
	}
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		ConnectionsAccepted: s.connectionsAccepted,
		ConnectionsRejected: s.connectionsRejected,
		CallErrors:          s.callErrors,
		ActiveCalls:         len(s.semaphore),
		Capacity:            cap(s.semaphore),
	}
}
