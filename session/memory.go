package session

import (
	"context"
	"sync"
	"time"

	"github.com/loomhq/loom/core"
)

// MemoryStore is an in-process core.Store. Snapshots go in and out as deep
// clones, so callers can never mutate stored state through a returned pointer.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*core.Session)}
}

// Create implements core.Store.
func (s *MemoryStore) Create(ctx context.Context, sessionID, ownerID string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sessionID]; ok {
		return existing.Clone(), nil
	}
	sess := core.NewSession(sessionID, ownerID)
	s.sessions[sessionID] = sess.Clone()
	return sess, nil
}

// Get implements core.Store.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Save implements core.Store.
func (s *MemoryStore) Save(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := sess.Clone()
	clone.Version++
	s.sessions[sess.ID] = clone
	sess.Version = clone.Version
	return nil
}

// Archive implements core.Store.
func (s *MemoryStore) Archive(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return core.ErrSessionNotFound
	}
	sess.Archived = true
	return nil
}

// ClearSafetyPin implements core.Store.
func (s *MemoryStore) ClearSafetyPin(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return core.ErrSessionNotFound
	}
	sess.Pinned = false
	return nil
}

// ArchiveInactive archives sessions whose last activity predates cutoff.
// Escalated sessions are left active for review regardless of age. Returns
// the number of sessions archived.
func (s *MemoryStore) ArchiveInactive(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Archived || sess.SafetyStatus == core.SafetyEscalated {
			continue
		}
		if sess.LastActivity.Before(cutoff) {
			sess.Archived = true
			n++
		}
	}
	return n, nil
}
