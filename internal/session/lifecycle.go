package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wskish/discobot-sub010/internal/sandbox"
	"github.com/wskish/discobot-sub010/internal/store"
)

// Initialize brings a session's sandbox up on the current image and marks
// the session ready. It is safe to retry: an existing sandbox on the
// current image is reused and anything else is replaced.
func (m *Manager) Initialize(ctx context.Context, sessionID string) error {
	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess.Status == store.SessionRemoving || sess.Status == store.SessionRemoved {
		return fmt.Errorf("session %s is %s", sessionID, sess.Status)
	}

	opts, err := m.CreateOptions(ctx, sess)
	if err != nil {
		if _, terr := m.transition(ctx, sess, store.SessionError, err.Error()); terr != nil {
			m.logger.Error("session: update status", "session_id", sessionID, "error", terr)
		}
		return err
	}
	if sess.Status != store.SessionInitializing {
		ok, err := m.transition(ctx, sess, store.SessionInitializing, "")
		if err != nil {
			return err
		}
		if !ok {
			return m.settleSuperseded(ctx, sessionID)
		}
	}

	if err := m.ensureSandbox(ctx, sessionID, opts); err != nil {
		m.mirror(ctx, sessionID)
		ok, terr := m.transition(ctx, sess, store.SessionError, "sandbox start failed: "+err.Error())
		if terr == nil && !ok {
			return m.settleSuperseded(ctx, sessionID)
		}
		return err
	}

	m.mirror(ctx, sessionID)
	ok, err := m.transition(ctx, sess, store.SessionReady, "")
	if err != nil {
		return err
	}
	if !ok {
		return m.settleSuperseded(ctx, sessionID)
	}
	m.logger.Info("session: initialized", "session_id", sessionID, "image", m.runtime.Image())
	return nil
}

// settleSuperseded handles a session whose status changed while it was
// being initialized. A removal requested meanwhile is carried out here,
// since the session_delete job may have been refused while init held the
// resource. Other changes are left to the reconciler.
func (m *Manager) settleSuperseded(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.logger.Info("session: deleted during initialization", "session_id", sessionID)
		return m.deleteLocked(ctx, nil, "", sessionID)
	case err != nil:
		return fmt.Errorf("loading session: %w", err)
	case sess.Status == store.SessionRemoving || sess.Status == store.SessionRemoved:
		m.logger.Info("session: removal requested during initialization", "session_id", sessionID)
		return m.deleteLocked(ctx, sess, sess.ProjectID, sessionID)
	}
	m.logger.Info("session: status changed during initialization",
		"session_id", sessionID, "status", sess.Status)
	return nil
}

// CreateOptions builds the sandbox options for a session from its workspace.
func (m *Manager) CreateOptions(ctx context.Context, sess *store.Session) (sandbox.CreateOptions, error) {
	ws, err := m.store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return sandbox.CreateOptions{}, fmt.Errorf("workspace not found: %w", err)
	}
	if ws.Status != store.WorkspaceReady || ws.Path == "" {
		return sandbox.CreateOptions{}, fmt.Errorf("workspace %s is not ready (%s)", ws.ID, ws.Status)
	}
	secret, err := generateSecret(32)
	if err != nil {
		return sandbox.CreateOptions{}, err
	}
	return sandbox.CreateOptions{
		Labels: map[string]string{
			"project_id":   sess.ProjectID,
			"workspace_id": sess.WorkspaceID,
			"agent_id":     sess.AgentID,
		},
		SharedSecret:    secret,
		WorkspacePath:   ws.Path,
		WorkspaceCommit: ws.Commit,
		Resources:       m.cfg.Resources,
	}, nil
}

func (m *Manager) ensureSandbox(ctx context.Context, sessionID string, opts sandbox.CreateOptions) error {
	sb, err := m.runtime.Get(ctx, sessionID)
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
	case err != nil:
		return err
	case sb.Image == m.runtime.Image() && sb.Status == sandbox.StatusRunning:
		return nil
	case sb.Image == m.runtime.Image() && sb.Status == sandbox.StatusCreated:
		return m.start(ctx, sessionID)
	default:
		m.logger.Info("session: replacing sandbox", "session_id", sessionID, "status", sb.Status, "image", sb.Image)
		if err := m.teardown(ctx, sessionID); err != nil {
			return err
		}
	}

	if _, err := m.runtime.Create(ctx, sessionID, opts); err != nil && !errors.Is(err, sandbox.ErrAlreadyExists) {
		return err
	}
	return m.start(ctx, sessionID)
}

func (m *Manager) start(ctx context.Context, sessionID string) error {
	if err := m.runtime.Start(ctx, sessionID); err != nil && !errors.Is(err, sandbox.ErrAlreadyRunning) {
		return err
	}
	return nil
}

// teardown stops and removes the sandbox. A missing sandbox is not an error.
func (m *Manager) teardown(ctx context.Context, sessionID string) error {
	if err := m.stop(ctx, sessionID); err != nil {
		return err
	}
	return m.runtime.Remove(ctx, sessionID)
}

func (m *Manager) stop(ctx context.Context, sessionID string) error {
	err := m.runtime.Stop(ctx, sessionID, m.cfg.StopTimeout)
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) && !errors.Is(err, sandbox.ErrNotRunning) {
		return err
	}
	return nil
}

// PerformDeletion tears down the session's sandbox and deletes the session.
// Repeating it after a partial failure, or for a session already gone, is
// harmless.
func (m *Manager) PerformDeletion(ctx context.Context, projectID, sessionID string) error {
	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sess = nil
	case err != nil:
		return fmt.Errorf("loading session: %w", err)
	case sess.Status != store.SessionRemoving:
		m.setStatus(ctx, sess, store.SessionRemoving, "")
	}
	return m.deleteLocked(ctx, sess, projectID, sessionID)
}

// deleteLocked tears down the sandbox and deletes the session row, if any.
// The caller holds the session lock.
func (m *Manager) deleteLocked(ctx context.Context, sess *store.Session, projectID, sessionID string) error {
	if err := m.teardown(ctx, sessionID); err != nil {
		return fmt.Errorf("removing sandbox: %w", err)
	}
	if err := m.store.DeleteSandbox(ctx, sessionID); err != nil {
		return err
	}
	if sess != nil {
		if err := m.store.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		projectID = sess.ProjectID
	}
	m.publishSession(ctx, projectID, sessionID, store.SessionRemoved, "")
	m.removeSessionLock(sessionID)
	m.logger.Info("session: deleted", "session_id", sessionID)
	return nil
}

// StopForSession stops the sandbox and marks the session stopped.
func (m *Manager) StopForSession(ctx context.Context, sessionID string) error {
	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if err := m.stop(ctx, sessionID); err != nil {
		return err
	}
	m.mirror(ctx, sessionID)
	m.setStatus(ctx, sess, store.SessionStopped, "")
	return nil
}

// commitScript stages everything, commits if anything changed, and prints
// the resulting HEAD.
const commitScript = `git add -A && { git diff --cached --quiet || git commit -q -m "$1"; } && git rev-parse HEAD`

// PerformCommit commits the session's workspace from inside its sandbox and
// records the new commit on the workspace.
func (m *Manager) PerformCommit(ctx context.Context, projectID, sessionID, message string) error {
	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if message == "" {
		message = "discobot: checkpoint for session " + sessionID
	}

	res, err := m.runtime.Exec(ctx, sessionID, []string{"sh", "-c", commitScript, "commit", message}, sandbox.ExecOptions{})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("commit exited with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	sha := strings.TrimSpace(string(res.Stdout))
	if i := strings.LastIndexByte(sha, '\n'); i >= 0 {
		sha = sha[i+1:]
	}

	if err := m.store.TouchSession(ctx, sessionID); err != nil {
		m.logger.Warn("session: touch after commit", "session_id", sessionID, "error", err)
	}
	ws, err := m.store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return err
	}
	ws.Commit = sha
	if err := m.store.UpdateWorkspace(ctx, ws); err != nil {
		return err
	}
	m.publishWorkspace(ctx, firstNonEmpty(sess.ProjectID, projectID), ws)
	m.logger.Info("session: committed workspace", "session_id", sessionID, "workspace_id", ws.ID, "commit", sha)
	return nil
}

// InitializeWorkspace ensures the workspace directory exists and marks the
// workspace ready. Workspaces without a path get one under the workspace root.
func (m *Manager) InitializeWorkspace(ctx context.Context, workspaceID string) error {
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("loading workspace: %w", err)
	}

	path := ws.Path
	if path == "" {
		path = filepath.Join(m.cfg.WorkspaceRoot, ws.ID)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		ws.Status = store.WorkspaceError
		ws.Error = err.Error()
		if uerr := m.store.UpdateWorkspace(ctx, ws); uerr != nil {
			m.logger.Error("session: update workspace", "workspace_id", ws.ID, "error", uerr)
		}
		m.publishWorkspace(ctx, ws.ProjectID, ws)
		return fmt.Errorf("creating workspace directory: %w", err)
	}

	ws.Path = path
	ws.Status = store.WorkspaceReady
	ws.Error = ""
	if err := m.store.UpdateWorkspace(ctx, ws); err != nil {
		return err
	}
	m.publishWorkspace(ctx, ws.ProjectID, ws)
	return nil
}

func (m *Manager) publishWorkspace(ctx context.Context, projectID string, ws *store.Workspace) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishWorkspaceUpdated(ctx, projectID, ws.ID, string(ws.Status)); err != nil {
		m.logger.Error("session: publish workspace update", "workspace_id", ws.ID, "error", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
