package core

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned by stores when no session has the given id.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions and their turn history.
//
// Writes are last-writer-wins per session id; Save bumps Version so readers
// can detect staleness. Archive marks a session inactive without deleting it;
// escalated sessions are never deleted at all.
type Store interface {
	// Create allocates a new session. Creating an id that already exists
	// returns the existing session unchanged.
	Create(ctx context.Context, sessionID, ownerID string) (*Session, error)

	// Get returns a snapshot of the session or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Save persists the session snapshot, bumping its version.
	Save(ctx context.Context, sess *Session) error

	// Archive marks the session archived. The record is retained.
	Archive(ctx context.Context, sessionID string) error

	// ClearSafetyPin removes the conservative-scoring pin. Intended for an
	// external reviewer; the safety status history is untouched.
	ClearSafetyPin(ctx context.Context, sessionID string) error
}
