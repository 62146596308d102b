package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/common/sqlite"
)

// ErrSessionNotFound is returned by GetSession/AppendEvent for an unknown id.
// GetEventsSince returns an empty list for an unknown id instead.
var ErrSessionNotFound = errors.New("store: session not found")

// noiseMinEvents is the eventCount floor below which an unbound session
// becomes eligible for filterNoise eviction (spec §4.4).
const noiseMinEvents = 3

// Store is the Session Store: an append-only event log plus a sessions
// metadata index, backed by a single-writer SQLite connection.
//
// AppendEvent serializes concurrent writes to the same sessionId itself,
// through a per-session mutex (sessionMu); each call is one transaction.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger

	mu        sync.Mutex
	sessionMu map[string]*sync.Mutex
}

// Open opens (or creates) the store database at dbPath and applies schema.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	// pinned is additive: it is not in the base schema, so new and existing
	// databases alike pick it up here instead of forcing a schema bump.
	if err := sqlite.EnsureColumn(db.DB, "sessions", "pinned", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure pinned column: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Store{db: db, logger: log, sessionMu: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessionMu[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.sessionMu[sessionID] = l
	}
	return l
}

// CreateSession inserts a new session's metadata row.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastEventIndex == 0 {
		sess.LastEventIndex = -1
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (id, workspace_id, task_id, worker_name, adapter_kind, status, event_count, last_event_index, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.WorkspaceID, sess.TaskID, sess.WorkerName, sess.AdapterKind, sess.Status, sess.EventCount, sess.LastEventIndex, sess.LastMessageAt, sess.CreatedAt)
	return err
}

// AppendEvent assigns the next eventIndex for sessionId, persists the
// envelope, and updates the session's eventCount/lastMessageAt/
// lastEventIndex in the same transaction. Every call is flushed before
// returning — durability per spec §4.4.
//
// Concurrent appendEvent calls for the SAME sessionId are serialized here;
// callers writing to different sessions run unimpeded.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, eventType string, workspaceID string, payload any) (int64, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope payload: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var prevIndex int64
	row := tx.QueryRowContext(ctx, tx.Rebind(`SELECT last_event_index FROM sessions WHERE id = ?`), sessionID)
	if err := row.Scan(&prevIndex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrSessionNotFound
		}
		return 0, err
	}

	nextIndex := prevIndex + 1
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO events (session_id, event_index, event_type, workspace_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), sessionID, nextIndex, eventType, workspaceID, string(data), now); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions
		SET event_count = event_count + 1, last_event_index = ?, last_message_at = ?
		WHERE id = ?
	`), nextIndex, now, sessionID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return nextIndex, nil
}

// GetSession returns a session's metadata, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind(`
		SELECT id, workspace_id, task_id, worker_name, adapter_kind, status, event_count, last_event_index, last_message_at, created_at
		FROM sessions WHERE id = ?
	`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SetStatus updates a session's status field (e.g. on adapter state transitions).
func (s *Store) SetStatus(ctx context.Context, sessionID, status string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE sessions SET status = ? WHERE id = ?`), status, sessionID)
	return err
}

// GetEventsSince returns envelopes for sessionId with eventIndex > afterIndex,
// in index order. Pass afterIndex=-1 for the full log.
func (s *Store) GetEventsSince(ctx context.Context, sessionID string, afterIndex int64) ([]Envelope, error) {
	var events []Envelope
	err := s.db.SelectContext(ctx, &events, s.db.Rebind(`
		SELECT session_id, event_index, event_type, workspace_id, payload, created_at
		FROM events
		WHERE session_id = ? AND event_index > ?
		ORDER BY event_index ASC
	`), sessionID, afterIndex)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// GetEventsSinceTimestamp returns envelopes for sessionId created strictly
// after `after`, in index order. Used for reconnects that supply
// lastEventTimestamp instead of lastEventIndex (spec §6).
func (s *Store) GetEventsSinceTimestamp(ctx context.Context, sessionID string, after time.Time) ([]Envelope, error) {
	var events []Envelope
	err := s.db.SelectContext(ctx, &events, s.db.Rebind(`
		SELECT session_id, event_index, event_type, workspace_id, payload, created_at
		FROM events
		WHERE session_id = ? AND created_at > ?
		ORDER BY event_index ASC
	`), sessionID, after)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListSessions returns sessions matching filter, ordered by lastMessageAt desc.
func (s *Store) ListSessions(ctx context.Context, filter Filter) ([]Session, error) {
	query := `
		SELECT id, workspace_id, task_id, worker_name, adapter_kind, status, event_count, last_event_index, last_message_at, created_at
		FROM sessions
		WHERE 1=1
	`
	var args []any
	if filter.WorkspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, filter.WorkspaceID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY last_message_at DESC"

	var sessions []Session
	if err := s.db.SelectContext(ctx, &sessions, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession range-deletes a session's events and removes its metadata.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM events WHERE session_id = ?`), sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ?`), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// SetPinned marks a session exempt (or no longer exempt) from FilterNoise
// eviction, e.g. because an operator is actively watching it.
func (s *Store) SetPinned(ctx context.Context, sessionID string, pinned bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE sessions SET pinned = ? WHERE id = ?`),
		sqlite.BoolToInt(pinned), sessionID)
	return err
}

// FilterNoise evicts unpinned sessions with eventCount<3 and no bound task,
// returning the deleted session ids.
func (s *Store) FilterNoise(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT id FROM sessions WHERE event_count < ? AND (task_id IS NULL OR task_id = '') AND pinned = 0
	`), noiseMinEvents)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// TaskBindings returns the session ids bound to taskId, most recent first.
func (s *Store) TaskBindings(ctx context.Context, taskID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT id FROM sessions WHERE task_id = ? ORDER BY last_message_at DESC
	`), taskID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
