package jobs

import (
	"context"

	"github.com/wskish/discobot-sub010/internal/store"
)

// JobStore is the persistence the queue needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *store.Job, allowDuplicates bool) error
}

// SessionService performs the lifecycle work behind each job kind.
type SessionService interface {
	Initialize(ctx context.Context, sessionID string) error
	PerformDeletion(ctx context.Context, projectID, sessionID string) error
	PerformCommit(ctx context.Context, projectID, sessionID, message string) error
	InitializeWorkspace(ctx context.Context, workspaceID string) error
}
