// Package reconciler drives observed sandbox state toward the desired
// session state recorded in the store.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wskish/discobot-sub010/internal/jobs"
	"github.com/wskish/discobot-sub010/internal/sandbox"
	"github.com/wskish/discobot-sub010/internal/store"
)

// Stats counts the corrective actions taken by one pass.
type Stats struct {
	Orphans  int
	Created  int
	Replaced int
	Started  int
	Stopped  int
	Deleted  int
	Skipped  int
	Failures int
}

// Changed reports whether the pass issued any corrective call.
func (s Stats) Changed() bool {
	return s.Orphans+s.Created+s.Replaced+s.Started+s.Stopped+s.Deleted > 0
}

type Reconciler struct {
	store       ReconcilerStore
	runtime     sandbox.Runtime
	sessions    SessionService
	interval    time.Duration
	stopTimeout time.Duration
	gate        func() bool
	logger      *slog.Logger
}

func New(st ReconcilerStore, rt sandbox.Runtime, sessions SessionService, interval, stopTimeout time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:       st,
		runtime:     rt,
		sessions:    sessions,
		interval:    interval,
		stopTimeout: stopTimeout,
		logger:      logger,
	}
}

// SetGate makes each pass conditional on gate, typically the dispatcher's
// leadership, so only one process corrects a shared backend.
func (r *Reconciler) SetGate(gate func() bool) {
	r.gate = gate
}

// Run reconciles once immediately and then on every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", "interval", r.interval)
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if r.gate != nil && !r.gate() {
		r.logger.Debug("reconciler: not leader, skipping pass")
		return
	}
	stats, err := r.Reconcile(ctx)
	if err != nil {
		r.logger.Error("reconciler: pass failed", "error", err)
		return
	}
	if stats.Changed() || stats.Failures > 0 {
		r.logger.Info("reconciler: pass complete",
			"orphans", stats.Orphans, "created", stats.Created, "replaced", stats.Replaced,
			"started", stats.Started, "stopped", stats.Stopped, "deleted", stats.Deleted,
			"failures", stats.Failures)
	}
}

// Reconcile runs a single pass. Per-session failures are logged and counted;
// only a failure to read either side aborts the pass.
func (r *Reconciler) Reconcile(ctx context.Context) (Stats, error) {
	var stats Stats

	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing sessions: %w", err)
	}
	sandboxes, err := r.runtime.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing sandboxes: %w", err)
	}

	observed := make(map[string]*sandbox.Sandbox, len(sandboxes))
	for _, sb := range sandboxes {
		observed[sb.SessionID] = sb
	}

	known := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if sess.Status == store.SessionRemoved {
			continue
		}
		known[sess.ID] = true

		busy, err := r.store.HasActiveJobForResource(ctx, jobs.ResourceTypeSession, sess.ID)
		if err != nil {
			r.logger.Warn("reconciler: check active jobs", "session_id", sess.ID, "error", err)
			stats.Failures++
			continue
		}
		if busy {
			stats.Skipped++
			continue
		}
		if err := r.reconcileSession(ctx, sess, observed[sess.ID], &stats); err != nil {
			r.logger.Error("reconciler: session", "session_id", sess.ID, "status", sess.Status, "error", err)
			stats.Failures++
		}
	}

	for id, sb := range observed {
		if known[id] || sb.Status == sandbox.StatusRemoved {
			continue
		}
		r.logger.Warn("reconciler: removing orphan sandbox", "session_id", id, "status", sb.Status)
		if err := r.runtime.Remove(ctx, id); err != nil {
			r.logger.Error("reconciler: remove orphan", "session_id", id, "error", err)
			stats.Failures++
			continue
		}
		r.forget(ctx, id)
		stats.Orphans++
	}

	return stats, nil
}

func (r *Reconciler) reconcileSession(ctx context.Context, sess *store.Session, sb *sandbox.Sandbox, stats *Stats) error {
	switch sess.Status {
	case store.SessionRemoving:
		if err := r.sessions.PerformDeletion(ctx, sess.ProjectID, sess.ID); err != nil {
			return err
		}
		stats.Deleted++
		return nil

	case store.SessionStopped:
		if sb == nil || !sb.Status.Active() {
			return nil
		}
		if err := r.stop(ctx, sess.ID); err != nil {
			return err
		}
		stats.Stopped++
		r.observe(ctx, sess.ID)
		return nil

	case store.SessionReady:
		return r.converge(ctx, sess, sb, stats)
	}
	// Initializing and error sessions belong to their jobs and to the user.
	return nil
}

// converge makes a ready session's sandbox exist, run, and use the current image.
func (r *Reconciler) converge(ctx context.Context, sess *store.Session, sb *sandbox.Sandbox, stats *Stats) error {
	image := r.runtime.Image()

	switch {
	case sb == nil || sb.Status == sandbox.StatusRemoved:
		r.logger.Warn("reconciler: sandbox missing, recreating", "session_id", sess.ID)
		if err := r.recreate(ctx, sess); err != nil {
			return err
		}
		stats.Created++

	case sb.Image != image:
		r.logger.Info("reconciler: sandbox image outdated, replacing",
			"session_id", sess.ID, "have", sb.Image, "want", image)
		if sb.Status.Active() {
			if err := r.stop(ctx, sess.ID); err != nil {
				return err
			}
		}
		if err := r.runtime.Remove(ctx, sess.ID); err != nil {
			return err
		}
		if err := r.recreate(ctx, sess); err != nil {
			return err
		}
		stats.Replaced++

	case sb.Status == sandbox.StatusFailed || sb.Status == sandbox.StatusStopped:
		r.logger.Warn("reconciler: sandbox down, recreating",
			"session_id", sess.ID, "status", sb.Status, "error", sb.Error)
		if err := r.runtime.Remove(ctx, sess.ID); err != nil {
			return err
		}
		if err := r.recreate(ctx, sess); err != nil {
			return err
		}
		stats.Created++

	case sb.Status == sandbox.StatusCreated:
		if err := r.start(ctx, sess.ID); err != nil {
			return err
		}
		stats.Started++

	default:
		return nil
	}

	r.observe(ctx, sess.ID)
	return nil
}

func (r *Reconciler) recreate(ctx context.Context, sess *store.Session) error {
	opts, err := r.sessions.CreateOptions(ctx, sess)
	if err != nil {
		return err
	}
	if _, err := r.runtime.Create(ctx, sess.ID, opts); err != nil && !errors.Is(err, sandbox.ErrAlreadyExists) {
		return err
	}
	return r.start(ctx, sess.ID)
}

func (r *Reconciler) start(ctx context.Context, sessionID string) error {
	if err := r.runtime.Start(ctx, sessionID); err != nil && !errors.Is(err, sandbox.ErrAlreadyRunning) {
		return err
	}
	return nil
}

func (r *Reconciler) stop(ctx context.Context, sessionID string) error {
	err := r.runtime.Stop(ctx, sessionID, r.stopTimeout)
	if err != nil && !errors.Is(err, sandbox.ErrNotRunning) && !errors.Is(err, sandbox.ErrNotFound) {
		return err
	}
	return nil
}

// observe refreshes the sandbox mirror after a corrective call.
func (r *Reconciler) observe(ctx context.Context, sessionID string) {
	sb, err := r.runtime.Get(ctx, sessionID)
	if errors.Is(err, sandbox.ErrNotFound) {
		r.forget(ctx, sessionID)
		return
	}
	if err != nil {
		r.logger.Warn("reconciler: read sandbox", "session_id", sessionID, "error", err)
		return
	}
	if err := r.store.UpsertSandbox(ctx, sb); err != nil {
		r.logger.Warn("reconciler: mirror sandbox", "session_id", sessionID, "error", err)
	}
}

func (r *Reconciler) forget(ctx context.Context, sessionID string) {
	if err := r.store.DeleteSandbox(ctx, sessionID); err != nil {
		r.logger.Warn("reconciler: delete sandbox mirror", "session_id", sessionID, "error", err)
	}
}
