package reconciler

import (
	"context"

	"github.com/wskish/discobot-sub010/internal/sandbox"
	"github.com/wskish/discobot-sub010/internal/store"
)

// ReconcilerStore abstracts the store operations the reconciler needs.
type ReconcilerStore interface {
	ListSessions(ctx context.Context) ([]*store.Session, error)
	HasActiveJobForResource(ctx context.Context, resourceType, resourceID string) (bool, error)
	UpsertSandbox(ctx context.Context, sb *sandbox.Sandbox) error
	DeleteSandbox(ctx context.Context, sessionID string) error
}

// SessionService builds sandbox options and finalizes deletions.
type SessionService interface {
	CreateOptions(ctx context.Context, sess *store.Session) (sandbox.CreateOptions, error)
	PerformDeletion(ctx context.Context, projectID, sessionID string) error
}
