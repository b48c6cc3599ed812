// Package sqlite implements store.Store on a single SQLite file via
// modernc.org/sqlite, for single-node and development deployments that
// don't want a Postgres dependency.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/tether/internal/events"
	"github.com/nextlevelbuilder/tether/internal/statemachine"
	"github.com/nextlevelbuilder/tether/internal/store"
)

// Store is the SQLite-backed store.Store implementation.
type Store struct {
	db *sql.DB
	*store.InMemoryRuntime
	seqLocks statemachine.Locks
}

// Open opens (creating if needed) the SQLite database file at path and
// applies the schema. Callers otherwise don't need golang-migrate for this
// backend since a single file has no cluster-wide migration race to avoid.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := applySchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db, InMemoryRuntime: store.NewInMemoryRuntime()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func applySchema(db *sql.DB) error {
	_, err := db.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	repo_ref_type TEXT NOT NULL,
	repo_ref_value TEXT NOT NULL,
	state TEXT NOT NULL,
	name TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	ended_at TEXT,
	last_activity_at TEXT NOT NULL,
	exit_code INTEGER,
	runner_header TEXT,
	runner_type TEXT,
	runner_session_id TEXT UNIQUE,
	directory TEXT,
	directory_has_git INTEGER NOT NULL DEFAULT 0,
	workdir_managed INTEGER NOT NULL DEFAULT 0,
	approval_mode INTEGER,
	adapter TEXT,
	external_agent_id TEXT,
	external_agent_name TEXT,
	external_agent_type TEXT,
	external_agent_icon TEXT,
	external_agent_workspace TEXT,
	platform TEXT,
	platform_thread_id TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT,
	seq INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS pending_permissions (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	request_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	tool_input TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, request_id)
);
`

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (
			id, repo_ref_type, repo_ref_value, state, name, created_at,
			started_at, ended_at, last_activity_at, exit_code,
			runner_header, runner_type, runner_session_id, directory,
			directory_has_git, workdir_managed, approval_mode, adapter,
			external_agent_id, external_agent_name, external_agent_type,
			external_agent_icon, external_agent_workspace,
			platform, platform_thread_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.RepoRef.Type, sess.RepoRef.Value, sess.State, sess.Name, sess.CreatedAt,
		sess.StartedAt, sess.EndedAt, sess.LastActivityAt, sess.ExitCode,
		sess.RunnerHeader, sess.RunnerType, sess.RunnerSessionID, sess.Directory,
		sess.DirectoryHasGit, sess.WorkdirManaged, sess.ApprovalMode, sess.Adapter,
		sess.ExternalAgentID, sess.ExternalAgentName, sess.ExternalAgentType,
		sess.ExternalAgentIcon, sess.ExternalAgentWorkspace,
		sess.Platform, sess.PlatformThreadID,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, repo_ref_type, repo_ref_value, state, name, created_at,
	started_at, ended_at, last_activity_at, exit_code,
	runner_header, runner_type, runner_session_id, directory,
	directory_has_git, workdir_managed, approval_mode, adapter,
	external_agent_id, external_agent_name, external_agent_type,
	external_agent_icon, external_agent_workspace,
	platform, platform_thread_id`

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			state=?, name=?, started_at=?, ended_at=?, last_activity_at=?,
			exit_code=?, runner_header=?, runner_type=?, runner_session_id=?,
			directory=?, directory_has_git=?, workdir_managed=?,
			approval_mode=?, platform=?, platform_thread_id=?
		WHERE id=?`,
		sess.State, sess.Name, sess.StartedAt, sess.EndedAt, sess.LastActivityAt,
		sess.ExitCode, sess.RunnerHeader, sess.RunnerType, sess.RunnerSessionID,
		sess.Directory, sess.DirectoryHasGit, sess.WorkdirManaged,
		sess.ApprovalMode, sess.Platform, sess.PlatformThreadID,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, opts store.SessionListOpts) (store.SessionListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if opts.State != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE state=? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			opts.State, limit, opts.Offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			limit, opts.Offset)
	}
	if err != nil {
		return store.SessionListResult{}, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out store.SessionListResult
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return store.SessionListResult{}, err
		}
		out.Sessions = append(out.Sessions, *sess)
	}
	out.Total = len(out.Sessions)
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.InMemoryRuntime.Forget(id)
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m *store.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, seq, created_at)
		VALUES (?,?,?,?,?,?)`,
		m.ID, m.SessionID, m.Role, m.Content, m.Seq, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, seq, created_at
		FROM messages WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	mu := s.seqLocks.Lock(ev.SessionID)
	mu.Lock()
	defer mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = statemachine.Clock()
	}

	if ev.IsLogged() {
		row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id=?`, ev.SessionID)
		if err := row.Scan(&ev.Seq); err != nil {
			return events.Event{}, fmt.Errorf("allocate seq: %w", err)
		}
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return events.Event{}, fmt.Errorf("marshal event data: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO events (session_id, seq, type, data, created_at)
			VALUES (?,?,?,?,?)`,
			ev.SessionID, ev.Seq, string(ev.Kind), string(data), ev.CreatedAt)
		if err != nil {
			return events.Event{}, fmt.Errorf("append event: %w", err)
		}
	}

	s.InMemoryRuntime.Broadcast(ev)
	return ev, nil
}

func (s *Store) ReadEventLog(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, type, data, created_at
		FROM events WHERE session_id=? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var kind, raw string
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &kind, &raw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = events.Kind(kind)
		if err := json.Unmarshal([]byte(raw), &ev.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) AddPendingPermission(ctx context.Context, p store.PendingPermission) error {
	data, err := json.Marshal(p.ToolInput)
	if err != nil {
		return fmt.Errorf("marshal tool input: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_permissions (session_id, request_id, tool_name, tool_input, created_at)
		VALUES (?,?,?,?,?)`,
		p.SessionID, p.RequestID, p.ToolName, string(data), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("add pending permission: %w", err)
	}
	return nil
}

func (s *Store) ResolvePendingPermission(ctx context.Context, sessionID, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_permissions WHERE session_id=? AND request_id=?`,
		sessionID, requestID)
	if err != nil {
		return fmt.Errorf("resolve pending permission: %w", err)
	}
	return nil
}

func (s *Store) IsPermissionPending(ctx context.Context, sessionID, requestID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM pending_permissions WHERE session_id=? AND request_id=?)`,
		sessionID, requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending permission: %w", err)
	}
	return exists != 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	err := row.Scan(
		&sess.ID, &sess.RepoRef.Type, &sess.RepoRef.Value, &sess.State, &sess.Name, &sess.CreatedAt,
		&sess.StartedAt, &sess.EndedAt, &sess.LastActivityAt, &sess.ExitCode,
		&sess.RunnerHeader, &sess.RunnerType, &sess.RunnerSessionID, &sess.Directory,
		&sess.DirectoryHasGit, &sess.WorkdirManaged, &sess.ApprovalMode, &sess.Adapter,
		&sess.ExternalAgentID, &sess.ExternalAgentName, &sess.ExternalAgentType,
		&sess.ExternalAgentIcon, &sess.ExternalAgentWorkspace,
		&sess.Platform, &sess.PlatformThreadID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}
