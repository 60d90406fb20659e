package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/core"
)

// SQLiteStore is a durable core.Store on a single SQLite database. Turn
// history is stored as a JSON column; sessions are small and always read
// whole, so per-turn rows would buy nothing but join complexity.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers alongside the single writer.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		safety_status TEXT NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		turns_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity) WHERE archived = 0;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create implements core.Store.
func (s *SQLiteStore) Create(ctx context.Context, sessionID, ownerID string) (*core.Session, error) {
	sess := core.NewSession(sessionID, ownerID)
	query := `
	INSERT INTO sessions (id, owner_id, stage, safety_status, pinned, archived, version, turns_json, created_at, last_activity)
	VALUES (?, ?, ?, ?, 0, 0, 0, '[]', ?, ?)
	ON CONFLICT(id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.OwnerID, string(sess.Stage), string(sess.SafetyStatus),
		sess.Created.Unix(), sess.LastActivity.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert session rows affected: %w", err)
	}
	if rows == 0 {
		// Already exists; Create is idempotent on id.
		return s.Get(ctx, sessionID)
	}
	return sess, nil
}

// Get implements core.Store.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	query := `
	SELECT id, owner_id, stage, safety_status, pinned, archived, version, turns_json, created_at, last_activity
	FROM sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)
	return scanSession(row)
}

// Save implements core.Store. Writes are last-writer-wins; the stored
// version is bumped past the snapshot's so readers can detect staleness.
func (s *SQLiteStore) Save(ctx context.Context, sess *core.Session) error {
	snapshot := sess.Clone()
	turnsJSON, err := json.Marshal(snapshot.Turns)
	if err != nil {
		return fmt.Errorf("marshal turn history: %w", err)
	}

	version := snapshot.Version + 1
	query := `
	INSERT INTO sessions (id, owner_id, stage, safety_status, pinned, archived, version, turns_json, created_at, last_activity)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		stage = excluded.stage,
		safety_status = excluded.safety_status,
		pinned = excluded.pinned,
		archived = excluded.archived,
		version = excluded.version,
		turns_json = excluded.turns_json,
		last_activity = excluded.last_activity`

	_, err = s.db.ExecContext(ctx, query,
		snapshot.ID, snapshot.OwnerID, string(snapshot.Stage), string(snapshot.SafetyStatus),
		boolToInt(snapshot.Pinned), boolToInt(snapshot.Archived), version,
		string(turnsJSON), snapshot.Created.Unix(), snapshot.LastActivity.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	sess.Version = version
	return nil
}

// Archive implements core.Store. The row is retained.
func (s *SQLiteStore) Archive(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archived = 1, version = version + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return requireRow(res)
}

// ClearSafetyPin implements core.Store.
func (s *SQLiteStore) ClearSafetyPin(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET pinned = 0, version = version + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear safety pin: %w", err)
	}
	return requireRow(res)
}

// ArchiveInactive archives sessions whose last activity predates cutoff.
// Escalated sessions are left active for review regardless of age. Returns
// the number of sessions archived.
func (s *SQLiteStore) ArchiveInactive(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archived = 1, version = version + 1
		 WHERE archived = 0 AND safety_status != ? AND last_activity < ?`,
		string(core.SafetyEscalated), cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("archive inactive sessions: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive inactive rows affected: %w", err)
	}
	return int(rows), nil
}

func scanSession(row *sql.Row) (*core.Session, error) {
	var (
		sess                    core.Session
		stage, status, turns    string
		pinned, archived        int
		createdAt, lastActivity int64
	)

	err := row.Scan(
		&sess.ID, &sess.OwnerID, &stage, &status, &pinned, &archived,
		&sess.Version, &turns, &createdAt, &lastActivity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	if err := json.Unmarshal([]byte(turns), &sess.Turns); err != nil {
		return nil, fmt.Errorf("unmarshal turn history: %w", err)
	}

	sess.Stage = core.Stage(stage)
	sess.SafetyStatus = core.SafetyStatus(status)
	sess.Pinned = pinned != 0
	sess.Archived = archived != 0
	sess.Created = time.Unix(createdAt, 0).UTC()
	sess.LastActivity = time.Unix(lastActivity, 0).UTC()

	return &sess, nil
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return core.ErrSessionNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
