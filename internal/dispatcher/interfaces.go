package dispatcher

import (
	"context"
	"time"

	"github.com/wskish/discobot-sub010/internal/events"
	"github.com/wskish/discobot-sub010/internal/store"
)

// JobStore is the persistence the dispatcher drives.
type JobStore interface {
	TryAcquireLeadership(ctx context.Context, serverID string, timeout time.Duration) (bool, error)
	ReleaseLeadership(ctx context.Context, serverID string) error
	ClaimJob(ctx context.Context, types []string, workerID string) (*store.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string, backoff time.Duration) (*store.Job, error)
	CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Publisher announces terminal job outcomes.
type Publisher interface {
	PublishJobCompleted(ctx context.Context, projectID string, data events.JobCompletedData) error
}
