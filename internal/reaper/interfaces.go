package reaper

import (
	"context"
	"time"

	"github.com/wskish/discobot-sub010/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListIdleSessions(ctx context.Context, idleFor time.Duration) ([]*store.Session, error)
}

// SessionStopper stops a session's sandbox and records the session stopped.
type SessionStopper interface {
	StopForSession(ctx context.Context, sessionID string) error
}
