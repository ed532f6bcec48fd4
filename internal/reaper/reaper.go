// Package reaper stops the sandboxes of sessions that have been idle too long.
package reaper

import (
	"context"
	"log/slog"
	"time"
)

type Reaper struct {
	store       ReaperStore
	sessions    SessionStopper
	idleTimeout time.Duration
	interval    time.Duration
	gate        func() bool
	logger      *slog.Logger
}

func New(st ReaperStore, sessions SessionStopper, idleTimeout, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:       st,
		sessions:    sessions,
		idleTimeout: idleTimeout,
		interval:    interval,
		logger:      logger,
	}
}

// SetGate makes each sweep conditional on gate.
func (r *Reaper) SetGate(gate func() bool) {
	r.gate = gate
}

func (r *Reaper) Run(ctx context.Context) error {
	if r.idleTimeout <= 0 {
		r.logger.Info("reaper disabled")
		<-ctx.Done()
		return nil
	}
	r.logger.Info("reaper started", "interval", r.interval, "idle_timeout", r.idleTimeout)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
			if r.gate != nil && !r.gate() {
				continue
			}
			r.reapIdle(ctx)
		}
	}
}

// reapIdle stops every ready session whose last activity is older than the
// idle timeout. It returns the number of sessions stopped.
func (r *Reaper) reapIdle(ctx context.Context) int {
	idle, err := r.store.ListIdleSessions(ctx, r.idleTimeout)
	if err != nil {
		r.logger.Error("reaper: list idle", "error", err)
		return 0
	}

	stopped := 0
	for _, sess := range idle {
		r.logger.Info("reaping idle session", "session_id", sess.ID, "last_activity", sess.LastActivity)

		if err := r.sessions.StopForSession(ctx, sess.ID); err != nil {
			r.logger.Error("reaper: stop session", "session_id", sess.ID, "error", err)
			continue
		}
		stopped++
	}

	if stopped > 0 {
		r.logger.Info("reaper: stopped idle sessions", "count", stopped)
	}
	return stopped
}
