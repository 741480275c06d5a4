package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/audiosocket-agent/internal/metrics"
)

// ErrDuplicateID is returned when a call identifier is already registered
var ErrDuplicateID = errors.New("session id already in use")

// ErrNotFound is returned for unknown call identifiers
var ErrNotFound = errors.New("session not found")

// Manager keeps the registry of active calls and expires idle ones
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// timeout <= 0 disables idle expiry
	timeout       time.Duration
	checkInterval time.Duration
	historyTurns  int

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// ManagerConfig contains configuration for the call manager
type ManagerConfig struct {
	IdleTimeout  time.Duration
	HistoryTurns int
}

// NewManager creates a call manager and starts the idle reaper
func NewManager(logger *slog.Logger, config ManagerConfig, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	checkInterval := 30 * time.Second
	if config.IdleTimeout > 0 && config.IdleTimeout/2 < checkInterval {
		checkInterval = config.IdleTimeout / 2
	}

	mgr := &Manager{
		sessions:      make(map[string]*Session),
		logger:        logger,
		metrics:       m,
		timeout:       config.IdleTimeout,
		checkInterval: checkInterval,
		historyTurns:  config.HistoryTurns,
		ctx:           ctx,
		cancel:        cancel,
		cleanup:       make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Create registers a new call. An empty id gets a locally generated UUID.
// cancel is invoked when the session is removed, expired or stopped.
func (m *Manager) Create(id, remoteAddr, transport string, cancel context.CancelFunc) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("call manager is stopped")
	}

	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("failed to create session %s: %w", id, ErrDuplicateID)
	}

	s := New(id, remoteAddr, transport, m.historyTurns, cancel)
	m.sessions[id] = s

	m.metrics.RecordCallStarted()
	m.metrics.SetActiveCalls(len(m.sessions))

	m.logger.Info("Call session created",
		slog.String("call_id", id),
		slog.String("remote_addr", remoteAddr),
		slog.String("transport", transport),
		slog.Int("active_calls", len(m.sessions)),
	)

	return s, nil
}

// Rename moves a session to a new identifier, keeping its history
func (m *Manager) Rename(oldID, newID string) error {
	if newID == "" {
		return fmt.Errorf("new session id is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[oldID]
	if !ok {
		return fmt.Errorf("failed to rename session %s: %w", oldID, ErrNotFound)
	}

	if oldID == newID {
		return nil
	}

	if _, exists := m.sessions[newID]; exists {
		return fmt.Errorf("failed to rename session %s to %s: %w", oldID, newID, ErrDuplicateID)
	}

	delete(m.sessions, oldID)
	s.setID(newID)
	m.sessions[newID] = s

	m.logger.Info("Call session renamed",
		slog.String("old_call_id", oldID),
		slog.String("call_id", newID),
	)

	return nil
}

// Get returns a session by identifier
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// Remove unregisters and closes a session. reason is recorded in metrics.
func (m *Manager) Remove(id, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}

	info := s.GetSessionInfo()
	s.Close()

	m.metrics.SetActiveCalls(active)
	m.metrics.RecordCallEnded(reason, info.Duration.Seconds())

	m.logger.Info("Call session removed",
		slog.String("call_id", id),
		slog.String("reason", reason),
		slog.Duration("duration", info.Duration),
		slog.Uint64("frames_received", info.FramesReceived),
		slog.Uint64("frames_sent", info.FramesSent),
		slog.Uint64("turns_completed", info.TurnsCompleted),
		slog.Uint64("turns_abandoned", info.TurnsAbandoned),
		slog.Int("active_calls", active),
	)

	return true
}

// GetActiveSessionCount returns the number of registered calls
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns information about all active calls, oldest first
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.GetSessionInfo())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// Stop closes every active call and stops the idle reaper
func (m *Manager) Stop() {
	m.logger.Info("Stopping call manager...")

	m.cancel()
	<-m.cleanup

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Remove(id, "shutdown")
	}

	m.logger.Info("Call manager stopped", slog.Int("closed_calls", len(ids)))
}

// startCleanupRoutine expires idle sessions until the manager stops
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.timeout <= 0 {
		<-m.ctx.Done()
		return
	}

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.Debug("Call cleanup routine started",
		slog.Duration("timeout", m.timeout),
		slog.Duration("check_interval", m.checkInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) > m.timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up idle calls", slog.Int("expired_count", len(expired)))

		for _, id := range expired {
			m.Remove(id, "idle_timeout")
		}
	}
}
