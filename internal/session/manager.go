package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultOpenTimeout = 120 * time.Second

// Manager is the owning coordinator for all sessions. The registry mutex
// guards only map membership; upstream calls happen under the per-session
// lock so unrelated keys never serialize behind each other.
type Manager struct {
	client      ChatClient
	openTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager that opens handles through client. Opens are
// bounded by openTimeout; zero selects a conservative default.
func NewManager(client ChatClient, openTimeout time.Duration) *Manager {
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	return &Manager{
		client:      client,
		openTimeout: openTimeout,
		sessions:    make(map[string]*Session),
	}
}

// Len reports the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Acquire returns the session for key with its lock held; the caller must
// Release it after using the handle.
//
// An empty key requests no persistence: the session is stored under a
// generated key that no later request will present, so it lives only until
// idle eviction. fresh forces a new upstream handle even if a live one
// exists, as does asking for a different model than the handle was opened
// against. A failed open leaves no entry behind.
func (m *Manager) Acquire(ctx context.Context, key, model string, fresh bool) (*Session, error) {
	if key == "" {
		key = uuid.NewString()
		fresh = true
	}

	for {
		m.mu.Lock()
		s, ok := m.sessions[key]
		if !ok {
			s = &Session{key: key, mu: make(chan struct{}, 1), mgr: m}
			m.sessions[key] = s
		}
		m.mu.Unlock()

		s.lock()

		// The entry may have been evicted between the map lookup and the
		// lock acquisition; start over so we never resurrect a removed key.
		m.mu.Lock()
		current := m.sessions[key]
		m.mu.Unlock()
		if current != s {
			s.unlock()
			continue
		}

		if s.handle != nil && !fresh && s.model == model {
			s.Touch()
			return s, nil
		}

		if s.handle != nil {
			if err := s.handle.Close(); err != nil {
				log.Warnf("session %s: closing previous handle: %v", key, err)
			}
			s.handle = nil
		}

		openCtx, cancel := context.WithTimeout(ctx, m.openTimeout)
		h, err := m.client.Open(openCtx, model)
		cancel()
		if err != nil {
			m.discard(s)
			s.unlock()
			return nil, m.classifyOpenError(key, model, err)
		}

		s.handle = h
		s.model = model
		s.Touch()
		return s, nil
	}
}

// discard removes a session that holds no handle from the registry.
func (m *Manager) discard(s *Session) {
	m.mu.Lock()
	if m.sessions[s.key] == s && s.handle == nil {
		delete(m.sessions, s.key)
	}
	m.mu.Unlock()
}

func (m *Manager) classifyOpenError(key, model string, err error) error {
	switch {
	case errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrUpstreamUnavailable),
		errors.Is(err, ErrUpstreamTimeout):
		return fmt.Errorf("open session %q model %q: %w", key, model, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("open session %q model %q: %w: %v", key, model, ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("open session %q model %q: %w: %v", key, model, ErrUpstreamUnavailable, err)
	}
}

// EvictIdle closes and removes every session idle for longer than threshold.
// Sessions with an in-flight request are skipped and picked up by a later
// sweep. Close failures are logged, never propagated. Returns the number of
// sessions evicted.
func (m *Manager) EvictIdle(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)

	var victims []*Session
	m.mu.Lock()
	for key, s := range m.sessions {
		if !s.tryLock() {
			continue
		}
		if s.lastUsed.After(cutoff) {
			s.unlock()
			continue
		}
		delete(m.sessions, key)
		victims = append(victims, s)
	}
	m.mu.Unlock()

	// Upstream closes happen outside the registry lock so a slow close never
	// stalls Acquire on unrelated keys. Each victim's own lock is still held,
	// so no request can race the close.
	for _, s := range victims {
		if s.handle != nil {
			if err := s.handle.Close(); err != nil {
				log.Warnf("session %s: close during eviction: %v", s.key, err)
			}
			s.handle = nil
		}
		s.unlock()
	}
	if len(victims) > 0 {
		log.Debugf("evicted %d idle session(s)", len(victims))
	}
	return len(victims)
}

// CloseAll closes every handle and clears the registry. Intended for orderly
// shutdown: per-handle failures are logged and swallowed so shutdown always
// completes, even while requests are in flight.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, s := range m.sessions {
		if s.handle != nil {
			if err := s.handle.Close(); err != nil {
				log.Warnf("session %s: close during shutdown: %v", key, err)
			}
			s.handle = nil
		}
		delete(m.sessions, key)
	}
}
