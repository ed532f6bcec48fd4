package events

import (
	"context"
	"time"

	"github.com/wskish/discobot-sub010/internal/store"
)

// EventStore is the persistence behind the broker and poller.
type EventStore interface {
	CreateProjectEvent(ctx context.Context, ev *store.ProjectEvent) error
	ListEventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]*store.ProjectEvent, error)
	ListProjectEventsAfterSeq(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*store.ProjectEvent, error)
	GetMaxEventSeq(ctx context.Context) (int64, error)
	DeleteOldProjectEvents(ctx context.Context, olderThan time.Duration) (int64, error)
}

// JobReader looks up the latest job on a resource.
type JobReader interface {
	LatestJobForResource(ctx context.Context, resourceType, resourceID string) (*store.Job, error)
}
