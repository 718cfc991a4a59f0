package agent

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrSessionExists = errors.New("session id already in use")
	ErrShutdown      = errors.New("manager is shut down")
)

// Factory builds the per-session providers. Transcribers hold per-session
// buffers, so a fresh one is needed for every session.
type Factory func(id string) (Deps, error)

// Manager tracks live sessions keyed by id. Each session keeps its own
// single-flight guard; the manager only owns their lifetimes.
type Manager struct {
	factory Factory
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	live     sync.WaitGroup
}

func NewManager(factory Factory, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{factory: factory, log: logger, sessions: make(map[string]*Session)}
}

// Open creates and starts a session bound to the given sinks.
func (m *Manager) Open(ctx context.Context, id string, sink EventSink, audio AudioSink) (*Session, error) {
	deps, err := m.factory(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	s := NewSession(id, deps, sink, audio)
	m.sessions[id] = s
	m.live.Add(1)
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.remove(id, s)
		m.live.Done()
		return nil, err
	}
	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close stops the session and removes it. Its in-flight query, if any, keeps
// running in the background; Shutdown waits for such stragglers.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if !m.remove(id, s) {
		return nil
	}
	err := s.Stop()
	go func() {
		defer m.live.Done()
		_ = s.Wait(context.Background())
	}()
	return err
}

func (m *Manager) remove(id string, s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] != s {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops every session and waits, bounded by ctx, for in-flight
// queries to finish on their own timeouts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Close(id); err != nil {
			m.log.Warn("stop session", zap.String("session", id), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("sessions drained", zap.Int("sessions", len(ids)))
		return nil
	case <-ctx.Done():
		m.log.Warn("shutdown timed out with queries in flight")
		return ctx.Err()
	}
}
