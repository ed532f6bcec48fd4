package session

import (
	"context"
	"errors"
	"time"

	"github.com/wskish/discobot-sub010/internal/sandbox"
	"github.com/wskish/discobot-sub010/internal/store"
)

// watchRetryDelay spaces out re-subscriptions when the runtime's watch ends.
const watchRetryDelay = 5 * time.Second

// Watch follows the runtime's state events until ctx ends, folding each
// into the owning session's status and the sandbox mirror.
func (m *Manager) Watch(ctx context.Context) error {
	m.logger.Info("session watcher started")
	for {
		ch, err := m.runtime.Watch(ctx)
		if err != nil {
			m.logger.Error("session watcher: subscribe", "error", err)
		} else {
			for ev := range ch {
				m.handleEvent(ctx, ev)
			}
		}
		select {
		case <-ctx.Done():
			m.logger.Info("session watcher stopped")
			return nil
		case <-time.After(watchRetryDelay):
		}
	}
}

// nextStatus returns the session status a sandbox event settles, or ""
// when the session should be left alone. Session status is desired state,
// so only the outcome of initialization is taken from the backend; drift
// on a ready or stopped session is the reconciler's to correct.
func nextStatus(current store.SessionStatus, ev sandbox.StateEvent) store.SessionStatus {
	if current != store.SessionInitializing {
		return ""
	}
	switch ev.Status {
	case sandbox.StatusRunning:
		return store.SessionReady
	case sandbox.StatusFailed:
		return store.SessionError
	}
	return ""
}

func (m *Manager) handleEvent(ctx context.Context, ev sandbox.StateEvent) {
	m.mirror(ctx, ev.SessionID)

	sess, err := m.store.GetSession(ctx, ev.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Debug("session watcher: event for unknown session", "session_id", ev.SessionID, "status", ev.Status)
		return
	}
	if err != nil {
		m.logger.Error("session watcher: load session", "session_id", ev.SessionID, "error", err)
		return
	}

	if ev.Status == sandbox.StatusFailed && sess.Status == store.SessionReady {
		m.logger.Warn("session watcher: sandbox failed, awaiting reconciliation",
			"session_id", sess.ID, "error", ev.Error)
		m.publishSession(ctx, sess.ProjectID, sess.ID, sess.Status, "sandbox failed: "+ev.Error)
		return
	}

	next := nextStatus(sess.Status, ev)
	if next == "" {
		return
	}
	errMsg := ""
	if next == store.SessionError && ev.Error != "" {
		errMsg = "sandbox failed: " + ev.Error
	}
	m.logger.Info("session watcher: status change", "session_id", sess.ID, "from", sess.Status, "to", next)
	if _, err := m.transition(ctx, sess, next, errMsg); err != nil {
		m.logger.Error("session watcher: update status", "session_id", sess.ID, "error", err)
	}
}
