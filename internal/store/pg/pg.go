// Package pg implements store.Store on Postgres via database/sql and the
// pgx/v5 stdlib driver, following the teacher's store/pg/sessions.go
// conventions: raw SQL with $N placeholders, uuid.Must(uuid.NewV7()) ids,
// ON CONFLICT DO NOTHING for idempotent inserts.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/tether/internal/events"
	"github.com/nextlevelbuilder/tether/internal/statemachine"
	"github.com/nextlevelbuilder/tether/internal/store"
)

// Store is the Postgres-backed store.Store implementation.
type Store struct {
	db *sql.DB
	*store.InMemoryRuntime
	seqLocks statemachine.Locks
}

// Open connects to Postgres at dsn and returns a ready Store. Callers run
// migrations separately via `tether migrate up`.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Store{db: db, InMemoryRuntime: store.NewInMemoryRuntime()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, repo_ref_type, repo_ref_value, state, name, created_at,
			started_at, ended_at, last_activity_at, exit_code,
			runner_header, runner_type, runner_session_id, directory,
			directory_has_git, workdir_managed, approval_mode, adapter,
			external_agent_id, external_agent_name, external_agent_type,
			external_agent_icon, external_agent_workspace,
			platform, platform_thread_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		ON CONFLICT (id) DO NOTHING`,
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

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_ref_type, repo_ref_value, state, name, created_at,
			started_at, ended_at, last_activity_at, exit_code,
			runner_header, runner_type, runner_session_id, directory,
			directory_has_git, workdir_managed, approval_mode, adapter,
			external_agent_id, external_agent_name, external_agent_type,
			external_agent_icon, external_agent_workspace,
			platform, platform_thread_id
		FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			state=$2, name=$3, started_at=$4, ended_at=$5, last_activity_at=$6,
			exit_code=$7, runner_header=$8, runner_type=$9, runner_session_id=$10,
			directory=$11, directory_has_git=$12, workdir_managed=$13,
			approval_mode=$14, platform=$15, platform_thread_id=$16
		WHERE id=$1`,
		sess.ID, sess.State, sess.Name, sess.StartedAt, sess.EndedAt, sess.LastActivityAt,
		sess.ExitCode, sess.RunnerHeader, sess.RunnerType, sess.RunnerSessionID,
		sess.Directory, sess.DirectoryHasGit, sess.WorkdirManaged,
		sess.ApprovalMode, sess.Platform, sess.PlatformThreadID,
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
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, repo_ref_type, repo_ref_value, state, name, created_at,
				started_at, ended_at, last_activity_at, exit_code,
				runner_header, runner_type, runner_session_id, directory,
				directory_has_git, workdir_managed, approval_mode, adapter,
				external_agent_id, external_agent_name, external_agent_type,
				external_agent_icon, external_agent_workspace,
				platform, platform_thread_id
			FROM sessions WHERE state=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			opts.State, limit, opts.Offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, repo_ref_type, repo_ref_value, state, name, created_at,
				started_at, ended_at, last_activity_at, exit_code,
				runner_header, runner_type, runner_session_id, directory,
				directory_has_git, workdir_managed, approval_mode, adapter,
				external_agent_id, external_agent_name, external_agent_type,
				external_agent_icon, external_agent_workspace,
				platform, platform_thread_id
			FROM sessions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.InMemoryRuntime.Forget(id)
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m *store.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, seq, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.SessionID, m.Role, m.Content, m.Seq, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, seq, created_at
		FROM messages WHERE session_id=$1 ORDER BY seq ASC`, sessionID)
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

// AppendEvent allocates the next Seq for a logged event under a per-session
// mutex owned by the store (separate from the lock registry that guards
// state transitions), persists it, and broadcasts it to in-process
// subscribers. An event that is not logged is broadcast with Seq 0.
func (s *Store) AppendEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	mu := s.seqLocks.Lock(ev.SessionID)
	mu.Lock()
	defer mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = statemachine.Clock()
	}

	if ev.IsLogged() {
		row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id=$1`, ev.SessionID)
		if err := row.Scan(&ev.Seq); err != nil {
			return events.Event{}, fmt.Errorf("allocate seq: %w", err)
		}
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return events.Event{}, fmt.Errorf("marshal event data: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO events (session_id, seq, type, data, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			ev.SessionID, ev.Seq, string(ev.Kind), data, ev.CreatedAt)
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
		FROM events WHERE session_id=$1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		sessionID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var kind string
		var raw []byte
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &kind, &raw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = events.Kind(kind)
		if err := json.Unmarshal(raw, &ev.Data); err != nil {
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
		INSERT INTO pending_permissions (session_id, request_id, tool_name, tool_input, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (session_id, request_id) DO NOTHING`,
		p.SessionID, p.RequestID, p.ToolName, data, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("add pending permission: %w", err)
	}
	return nil
}

func (s *Store) ResolvePendingPermission(ctx context.Context, sessionID, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_permissions WHERE session_id=$1 AND request_id=$2`,
		sessionID, requestID)
	if err != nil {
		return fmt.Errorf("resolve pending permission: %w", err)
	}
	return nil
}

func (s *Store) IsPermissionPending(ctx context.Context, sessionID, requestID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM pending_permissions WHERE session_id=$1 AND request_id=$2)`,
		sessionID, requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending permission: %w", err)
	}
	return exists, nil
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
