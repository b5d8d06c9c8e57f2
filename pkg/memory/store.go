// Package memory is the working-memory store: durable persistence of
// capture sessions and their messages with a bounded capacity.
//
// ActiveSession is deliberately not a pure read. When the stored active
// session has sat past the idle boundary, the read closes it in the same
// transaction and reports that no session is active. Downstream code relies
// on this lazy close; do not "fix" it into a side-effect-free query.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/ambientlabs/ambientd/pkg/errs"
)

// Store persists sessions and messages in SQLite.
type Store struct {
	db           *sql.DB
	idleBoundary time.Duration
	capacity     int
	log          zerolog.Logger

	now func() time.Time // test hook
}

// Options tune the store. Zero values fall back to the spec defaults.
type Options struct {
	IdleBoundary time.Duration
	Capacity     int
	Logger       zerolog.Logger
}

// NewStore creates/opens the session database at path.
func NewStore(path string, opts Options) (*Store, error) {
	if opts.IdleBoundary <= 0 {
		opts.IdleBoundary = 30 * time.Minute
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 50
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Storage("open session db", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:           db,
		idleBoundary: opts.IdleBoundary,
		capacity:     opts.Capacity,
		log:          opts.Logger,
		now:          time.Now,
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL DEFAULT '',
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER,
			status TEXT NOT NULL CHECK(status IN ('active','completed')),
			last_activity_at_ms INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sessions_single_active
			ON sessions(status) WHERE status = 'active';`,
		`CREATE INDEX IF NOT EXISTS sessions_started_idx ON sessions(status, started_at_ms);`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, created_at_ms, message_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errs.Storage("init session schema", err)
		}
	}
	return nil
}

// BeginSession opens a new active session. Any currently active session is
// completed first so the single-active invariant always holds.
func (s *Store) BeginSession(ctx context.Context, kind string) (string, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.Storage("begin session tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET status = 'completed', ended_at_ms = ?
WHERE status = 'active'`, now.UnixMilli()); err != nil {
		return "", errs.Storage("close prior session", err)
	}

	id := "ses-" + uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(session_id, kind, started_at_ms, ended_at_ms, status, last_activity_at_ms, message_count)
VALUES(?, ?, ?, NULL, 'active', ?, 0)`, id, kind, now.UnixMilli(), now.UnixMilli()); err != nil {
		return "", errs.Storage("insert session", err)
	}

	if err := tx.Commit(); err != nil {
		return "", errs.Storage("begin session commit", err)
	}
	return id, nil
}

// ActiveSession returns the open session, lazily completing it first when
// its last activity is past the idle boundary. The closure is persisted,
// not merely reported.
func (s *Store) ActiveSession(ctx context.Context) (Session, bool, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, false, errs.Storage("active session tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT session_id, kind, started_at_ms, ended_at_ms, status, last_activity_at_ms, message_count
FROM sessions WHERE status = 'active'`)
	ses, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, errs.Storage("read active session", err)
	}

	if now.Sub(ses.LastActivityAt) > s.idleBoundary {
		if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET status = 'completed', ended_at_ms = ?
WHERE session_id = ? AND status = 'active'`, now.UnixMilli(), ses.ID); err != nil {
			return Session{}, false, errs.Storage("lazy close session", err)
		}
		if err := tx.Commit(); err != nil {
			return Session{}, false, errs.Storage("lazy close commit", err)
		}
		s.log.Debug().Str("session_id", ses.ID).Msg("closed idle session on read")
		return Session{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Session{}, false, errs.Storage("active session commit", err)
	}
	return ses, true, nil
}

// AppendMessage records one message on an active session and advances
// last_activity_at. It never creates a session: an unknown or completed
// session id yields ErrNotFound.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("append message tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	row := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
		}
		return errs.Storage("check session", err)
	}
	if status != string(StatusActive) {
		return fmt.Errorf("%w: session %s is not active", errs.ErrNotFound, sessionID)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(session_id, role, content, created_at_ms)
VALUES(?, ?, ?, ?)`, sessionID, role, content, at.UnixMilli()); err != nil {
		return errs.Storage("insert message", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET last_activity_at_ms = MAX(last_activity_at_ms, ?), message_count = message_count + 1
WHERE session_id = ?`, at.UnixMilli(), sessionID); err != nil {
		return errs.Storage("touch session", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Storage("append message commit", err)
	}
	return nil
}

// EndSession explicitly completes a session. Ending an already completed
// session is a no-op; an unknown id yields ErrNotFound.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET status = 'completed', ended_at_ms = ?
WHERE session_id = ? AND status = 'active'`, s.now().UnixMilli(), sessionID)
	if err != nil {
		return errs.Storage("end session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		row := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID)
		var one int
		if err := row.Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
			}
			return errs.Storage("end session check", err)
		}
	}
	return nil
}

// EnforceCapacity deletes the oldest completed sessions (and their
// messages) until the total session count is at or below the configured
// capacity. Active sessions are never evicted.
func (s *Store) EnforceCapacity(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Storage("enforce capacity tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return 0, errs.Storage("count sessions", err)
	}
	excess := total - s.capacity
	if excess <= 0 {
		return 0, nil
	}

	rows, err := tx.QueryContext(ctx, `
SELECT session_id FROM sessions
WHERE status = 'completed'
ORDER BY started_at_ms ASC
LIMIT ?`, excess)
	if err != nil {
		return 0, errs.Storage("select eviction victims", err)
	}
	victims := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errs.Storage("scan eviction victim", err)
		}
		victims = append(victims, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errs.Storage("iterate eviction victims", err)
	}

	for _, id := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return 0, errs.Storage("delete evicted messages", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
			return 0, errs.Storage("delete evicted session", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Storage("enforce capacity commit", err)
	}
	if len(victims) > 0 {
		s.log.Debug().Int("evicted", len(victims)).Msg("evicted oldest completed sessions")
	}
	return len(victims), nil
}

// RecentSessions lists sessions newest-first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, kind, started_at_ms, ended_at_ms, status, last_activity_at_ms, message_count
FROM sessions
ORDER BY started_at_ms DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Storage("list sessions", err)
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	for rows.Next() {
		ses, err := scanSession(rows)
		if err != nil {
			return nil, errs.Storage("scan session", err)
		}
		out = append(out, ses)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("iterate sessions", err)
	}
	return out, nil
}

// Messages returns a session's messages in insertion order. ErrNotFound for
// an unknown session id.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
		}
		return nil, errs.Storage("check session", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, session_id, role, content, created_at_ms
FROM messages
WHERE session_id = ?
ORDER BY created_at_ms ASC, message_id ASC`, sessionID)
	if err != nil {
		return nil, errs.Storage("list messages", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdMS); err != nil {
			return nil, errs.Storage("scan message", err)
		}
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("iterate messages", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var ses Session
	var startedMS, lastMS int64
	var endedMS sql.NullInt64
	var status string
	if err := row.Scan(&ses.ID, &ses.Kind, &startedMS, &endedMS, &status, &lastMS, &ses.MessageCount); err != nil {
		return Session{}, err
	}
	ses.StartedAt = time.UnixMilli(startedMS)
	ses.LastActivityAt = time.UnixMilli(lastMS)
	ses.Status = SessionStatus(status)
	if endedMS.Valid {
		ses.EndedAt = time.UnixMilli(endedMS.Int64)
	}
	return ses, nil
}
