package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound is returned for unknown or expired sessions.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore holds live conversation state keyed by session id. Entries
// expire after a TTL; Put refreshes the expiry, mirroring a cache SETEX.
// The store does not serialize turns: at-most-one in-flight turn per session
// is the caller's discipline.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*SessionContext, error)
	Put(ctx context.Context, sessionID string, session *SessionContext) error
	Delete(ctx context.Context, sessionID string) error
	TTL(ctx context.Context, sessionID string) (time.Duration, error)
}

type sessionEntry struct {
	session   *SessionContext
	expiresAt time.Time
}

// MemorySessionStore is an in-process SessionStore with per-entry TTL and a
// background janitor. Suited for a single orchestrator instance; the
// SessionStore interface is the seam for an external cache.
type MemorySessionStore struct {
	mu      sync.RWMutex
	entries map[string]sessionEntry
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	s := &MemorySessionStore{
		entries: make(map[string]sessionEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemorySessionStore) Get(ctx context.Context, sessionID string) (*SessionContext, error) {
	s.mu.RLock()
	entry, ok := s.entries[sessionID]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrSessionNotFound
	}
	return entry.session.Clone(), nil
}

func (s *MemorySessionStore) Put(ctx context.Context, sessionID string, session *SessionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = sessionEntry{
		session:   session.Clone(),
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.entries, sessionID)
	return nil
}

func (s *MemorySessionStore) TTL(ctx context.Context, sessionID string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	remaining := time.Until(entry.expiresAt)
	if remaining < 0 {
		return 0, ErrSessionNotFound
	}
	return remaining, nil
}

// Close stops the janitor. Safe to call more than once.
func (s *MemorySessionStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemorySessionStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for id, entry := range s.entries {
				if now.After(entry.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
