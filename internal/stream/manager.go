package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/speech-stream-service/internal/metrics"
	"github.com/skypro1111/speech-stream-service/internal/transcript"
)

var (
	// ErrTooManySessions is returned when the concurrent session cap is reached
	ErrTooManySessions = errors.New("too many concurrent sessions")
	// ErrManagerStopped is returned when a session is requested after Stop
	ErrManagerStopped = errors.New("stream manager stopped")
)

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	MaxSessions int
	Session     SessionConfig
}

// Manager is the registry of live sessions. It creates each session's
// pipeline but never touches it afterwards.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	config   ManagerConfig

	dispatcher Dispatcher
	filter     *transcript.Filter
	metrics    *metrics.Metrics

	totalSessions uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new stream manager. m may be nil.
func NewManager(logger *slog.Logger, config ManagerConfig, dispatcher Dispatcher, filter *transcript.Filter, m *metrics.Metrics) (*Manager, error) {
	if config.MaxSessions < 1 {
		return nil, fmt.Errorf("max sessions must be at least 1, got %d", config.MaxSessions)
	}

	if err := config.Session.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	if dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}

	if filter == nil {
		return nil, errors.New("filter cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		sessions:   make(map[string]*Session),
		logger:     logger,
		config:     config,
		dispatcher: dispatcher,
		filter:     filter,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// CreateSession registers a new session for a client that receives events
// through emitter
func (m *Manager) CreateSession(remoteAddr string, emitter Emitter) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, ErrManagerStopped
	}

	if len(m.sessions) >= m.config.MaxSessions {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.config.MaxSessions)
	}

	id := uuid.NewString()
	session, err := newSession(m.ctx, id, remoteAddr, m.config.Session, m.dispatcher, m.filter, emitter, m.metrics, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.sessions[id] = session
	m.totalSessions++

	if m.metrics != nil {
		m.metrics.SessionOpened(len(m.sessions))
	}

	m.logger.Info("Created new stream session",
		slog.String("session_id", id),
		slog.String("remote_addr", remoteAddr),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return session, nil
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetTotalSessionCount returns how many sessions have been created
func (m *Manager) GetTotalSessionCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalSessions
}

// GetAllSessions returns a snapshot of all active sessions ordered by start time
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})

	return sessions
}

// RemoveSession cancels a session and discards it
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	session.Close()

	info := session.Info()
	if m.metrics != nil {
		m.metrics.SessionClosed(active, info.Duration.Seconds())
	}

	m.logger.Info("Stream session removed",
		slog.String("session_id", id),
		slog.Duration("duration", info.Duration),
		slog.Int("seq", info.Seq),
		slog.Uint64("frames_received", info.FramesReceived),
		slog.Uint64("segments_finalized", info.SegmentsFinalized),
		slog.Uint64("transcripts_emitted", info.TranscriptsEmitted),
	)

	return true
}

// Stop cancels every session and refuses new ones
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	m.cancel()

	m.mu.RLock()
	remaining := len(m.sessions)
	total := m.totalSessions
	m.mu.RUnlock()

	m.logger.Info("Stream manager stopped",
		slog.Int("remaining_sessions", remaining),
		slog.Uint64("total_sessions", total),
		slog.Time("stopped_at", time.Now()),
	)
}
