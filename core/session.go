package core

import (
	"sync"
	"time"
)

// Session is one continuous interactive conversation. The workflow engine is
// the only writer; the façade and event publisher read snapshots via Clone.
// It is safe for concurrent access.
//
// Contract:
//   - Mutations update LastActivity and are persisted last-writer-wins,
//     with Version bumped by the store on every save
//   - SafetyStatus is monotonic: RaiseSafetyStatus never weakens it
//   - Terminal turns appended via AppendTurn are immutable afterwards
//   - Sessions are archived, never deleted; escalated sessions in particular
//     survive archival for later review
type Session struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id"`
	Stage        Stage        `json:"stage"`
	Turns        []Turn       `json:"turns"`
	SafetyStatus SafetyStatus `json:"safety_status"`
	// Pinned marks the session for conservative scoring after an
	// escalation; only an external reviewer clears it.
	Pinned       bool      `json:"pinned"`
	Archived     bool      `json:"archived"`
	Version      uint64    `json:"version"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`

	mu sync.RWMutex
}

// NewSession creates a fresh session owned by ownerID.
func NewSession(id, ownerID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		OwnerID:      ownerID,
		Stage:        StageIntake,
		Turns:        []Turn{},
		SafetyStatus: SafetyClear,
		Created:      now,
		LastActivity: now,
	}
}

// AppendTurn adds a terminal turn to the history.
func (s *Session) AppendTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Turns = append(s.Turns, t)
	s.LastActivity = time.Now().UTC()
}

// SetStage records the session's current workflow position.
func (s *Session) SetStage(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stage = stage
	s.LastActivity = time.Now().UTC()
}

// RaiseSafetyStatus raises the session's safety status; lowering is refused
// so that an escalation is never retroactively weakened.
func (s *Session) RaiseSafetyStatus(status SafetyStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SafetyStatus.AtLeast(status) {
		return false
	}
	s.SafetyStatus = status
	if status == SafetyEscalated {
		s.Pinned = true
	}
	s.LastActivity = time.Now().UTC()
	return true
}

// ClearPin removes the conservative-scoring pin. Reviewer action; the safety
// status history is untouched.
func (s *Session) ClearPin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pinned = false
}

// IsPinned reports whether the session scores against conservative thresholds.
func (s *Session) IsPinned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Pinned
}

// TurnByID returns a copy of the turn with the given id.
func (s *Session) TurnByID(id string) (*Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.Turns {
		if s.Turns[i].ID == id {
			return s.Turns[i].Clone(), true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		Stage:        s.Stage,
		Turns:        make([]Turn, 0, len(s.Turns)),
		SafetyStatus: s.SafetyStatus,
		Pinned:       s.Pinned,
		Archived:     s.Archived,
		Version:      s.Version,
		Created:      s.Created,
		LastActivity: s.LastActivity,
	}
	for i := range s.Turns {
		clone.Turns = append(clone.Turns, *s.Turns[i].Clone())
	}
	return clone
}
