// Package session carries out session lifecycle work against the configured
// sandbox runtime: bringing a session's sandbox up, stopping and deleting
// it, committing its workspace, and mirroring backend state changes back
// into the session records.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wskish/discobot-sub010/internal/sandbox"
	"github.com/wskish/discobot-sub010/internal/store"
)

type Config struct {
	WorkspaceRoot string
	StopTimeout   time.Duration
	Resources     sandbox.Resources
}

type Manager struct {
	cfg       Config
	store     SessionStore
	runtime   sandbox.Runtime
	publisher Publisher
	logger    *slog.Logger

	// Per-session mutexes serialize lifecycle work within this process.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// NewManager creates a manager. publisher may be nil.
func NewManager(cfg Config, st SessionStore, rt sandbox.Runtime, publisher Publisher, logger *slog.Logger) *Manager {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		runtime:   rt,
		publisher: publisher,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

func (m *Manager) removeSessionLock(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, id)
}

// Create records a new session in the initializing state. The caller
// enqueues the session_init job that brings it up.
func (m *Manager) Create(ctx context.Context, sess *store.Session) error {
	sess.Status = store.SessionInitializing
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return err
	}
	m.publishSession(ctx, sess.ProjectID, sess.ID, store.SessionInitializing, "")
	return nil
}

// MarkRemoving records the intent to delete a session. The session_delete
// job, or the reconciler, tears down the sandbox.
func (m *Manager) MarkRemoving(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.setStatus(ctx, sess, store.SessionRemoving, "")
	return sess, nil
}

// Touch records session activity for the idle reaper.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	return m.store.TouchSession(ctx, sessionID)
}

// Sandbox returns the live sandbox state, falling back to the last mirrored
// state when the backend cannot be reached.
func (m *Manager) Sandbox(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	sb, err := m.runtime.Get(ctx, sessionID)
	if err == nil {
		return sb, nil
	}
	if errors.Is(err, sandbox.ErrNotFound) {
		return nil, err
	}
	mirrored, mirrorErr := m.store.GetSandbox(ctx, sessionID)
	if mirrorErr != nil {
		return nil, err
	}
	m.logger.Warn("session: backend unavailable, serving mirrored sandbox state",
		"session_id", sessionID, "error", err)
	return mirrored, nil
}

// setStatus updates the session row and publishes the change. Failures are
// logged; the reconciler corrects any drift left behind.
func (m *Manager) setStatus(ctx context.Context, sess *store.Session, status store.SessionStatus, errMsg string) {
	if err := m.store.UpdateSessionStatus(ctx, sess.ID, status, errMsg); err != nil {
		m.logger.Error("session: update status", "session_id", sess.ID, "status", status, "error", err)
		return
	}
	sess.Status = status
	sess.Error = errMsg
	m.publishSession(ctx, sess.ProjectID, sess.ID, status, errMsg)
}

// transition moves the session from its current status to status, but only
// if nobody changed it in the meantime. It reports false when the session
// has moved on, for example to removing.
func (m *Manager) transition(ctx context.Context, sess *store.Session, status store.SessionStatus, errMsg string) (bool, error) {
	ok, err := m.store.TransitionSessionStatus(ctx, sess.ID, sess.Status, status, errMsg)
	if err != nil || !ok {
		return false, err
	}
	sess.Status = status
	sess.Error = errMsg
	m.publishSession(ctx, sess.ProjectID, sess.ID, status, errMsg)
	return true, nil
}

func (m *Manager) publishSession(ctx context.Context, projectID, sessionID string, status store.SessionStatus, errMsg string) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishSessionUpdated(ctx, projectID, sessionID, string(status), errMsg); err != nil {
		m.logger.Error("session: publish update", "session_id", sessionID, "error", err)
	}
}

// mirror copies the backend's view of a sandbox into the store.
func (m *Manager) mirror(ctx context.Context, sessionID string) {
	sb, err := m.runtime.Get(ctx, sessionID)
	if errors.Is(err, sandbox.ErrNotFound) {
		if err := m.store.DeleteSandbox(ctx, sessionID); err != nil {
			m.logger.Error("session: delete sandbox mirror", "session_id", sessionID, "error", err)
		}
		return
	}
	if err != nil {
		m.logger.Warn("session: read sandbox for mirror", "session_id", sessionID, "error", err)
		return
	}
	if err := m.store.UpsertSandbox(ctx, sb); err != nil {
		m.logger.Error("session: mirror sandbox", "session_id", sessionID, "error", err)
	}
}

func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating shared secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
