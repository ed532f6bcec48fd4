package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the desired lifecycle state recorded for a session.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionReady        SessionStatus = "ready"
	SessionStopped      SessionStatus = "stopped"
	SessionError        SessionStatus = "error"
	SessionRemoving     SessionStatus = "removing"
	SessionRemoved      SessionStatus = "removed"
)

type Session struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	WorkspaceID  string        `json:"workspace_id,omitempty"`
	AgentID      string        `json:"agent_id,omitempty"`
	Status       SessionStatus `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	LastActivity time.Time     `json:"last_activity"`
}

const sessionColumns = `id, project_id, workspace_id, agent_id, status, error, created_at, updated_at, last_activity`

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = SessionInitializing
	}
	sess.UpdatedAt = now

	_, err := s.exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.WorkspaceID, sess.AgentID, sess.Status, sess.Error,
		ts(sess.CreatedAt), ts(sess.UpdatedAt), ts(sess.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by status: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListIdleSessions returns ready sessions whose last activity is older than idleFor.
func (s *Store) ListIdleSessions(ctx context.Context, idleFor time.Duration) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = ? AND last_activity < strftime('%Y-%m-%d %H:%M:%f', 'now', ?)`,
		SessionReady, offset(-idleFor),
	)
	if err != nil {
		return nil, fmt.Errorf("listing idle sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// UpdateSessionStatus sets the status and error message. An empty errMsg
// clears any previous error.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, errMsg string) error {
	n, err := s.exec(ctx,
		`UPDATE sessions SET status = ?, error = ?, updated_at = `+nowSQL+` WHERE id = ?`,
		status, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return checkRowAffected(n, "session", id)
}

// TransitionSessionStatus sets status only while the session is still in
// from. It reports false when the session has moved on, so a concurrent
// removal is never overwritten.
func (s *Store) TransitionSessionStatus(ctx context.Context, id string, from, to SessionStatus, errMsg string) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE sessions SET status = ?, error = ?, updated_at = `+nowSQL+` WHERE id = ? AND status = ?`,
		to, errMsg, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transitioning session status: %w", err)
	}
	return n > 0, nil
}

// TouchSession records activity so the idle reaper leaves the session alone.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	n, err := s.exec(ctx, `UPDATE sessions SET last_activity = `+nowSQL+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("updating session activity: %w", err)
	}
	return checkRowAffected(n, "session", id)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	n, err := s.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkRowAffected(n, "session", id)
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var created, updated, activity string
	err := row.Scan(
		&sess.ID, &sess.ProjectID, &sess.WorkspaceID, &sess.AgentID, &sess.Status, &sess.Error,
		&created, &updated, &activity,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.CreatedAt = parseTS(created)
	sess.UpdatedAt = parseTS(updated)
	sess.LastActivity = parseTS(activity)
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// WorkspaceStatus tracks workspace preparation.
type WorkspaceStatus string

const (
	WorkspaceInitializing WorkspaceStatus = "initializing"
	WorkspaceReady        WorkspaceStatus = "ready"
	WorkspaceError        WorkspaceStatus = "error"
)

type Workspace struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Path      string          `json:"path"`
	Commit    string          `json:"commit,omitempty"`
	Status    WorkspaceStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const workspaceColumns = `id, project_id, path, commit_sha, status, error, created_at, updated_at`

func (s *Store) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	if ws.Status == "" {
		ws.Status = WorkspaceInitializing
	}
	ws.UpdatedAt = now
	_, err := s.exec(ctx,
		`INSERT INTO workspaces (`+workspaceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.ProjectID, ws.Path, ws.Commit, ws.Status, ws.Error, ts(ws.CreatedAt), ts(ws.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting workspace: %w", err)
	}
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var ws Workspace
	var created, updated string
	err := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id).Scan(
		&ws.ID, &ws.ProjectID, &ws.Path, &ws.Commit, &ws.Status, &ws.Error, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning workspace: %w", err)
	}
	ws.CreatedAt = parseTS(created)
	ws.UpdatedAt = parseTS(updated)
	return &ws, nil
}

// UpdateWorkspace writes path, commit, status and error.
func (s *Store) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	n, err := s.exec(ctx,
		`UPDATE workspaces SET path = ?, commit_sha = ?, status = ?, error = ?, updated_at = `+nowSQL+` WHERE id = ?`,
		ws.Path, ws.Commit, ws.Status, ws.Error, ws.ID,
	)
	if err != nil {
		return fmt.Errorf("updating workspace: %w", err)
	}
	return checkRowAffected(n, "workspace", ws.ID)
}
