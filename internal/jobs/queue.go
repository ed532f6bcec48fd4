package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wskish/discobot-sub010/internal/store"
)

// ErrJobAlreadyExists is returned when a pending or running job already
// holds the payload's resource.
var ErrJobAlreadyExists = errors.New("job already exists for resource")

// Queue submits jobs on behalf of collaborators.
type Queue struct {
	store       JobStore
	maxAttempts int
	notify      func()
}

func NewQueue(st JobStore, maxAttempts int) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Queue{store: st, maxAttempts: maxAttempts}
}

// SetNotifyFunc registers a callback run after each accepted job, usually
// the dispatcher's NotifyNewJob.
func (q *Queue) SetNotifyFunc(f func()) {
	q.notify = f
}

// Enqueue stores a pending job built from payload. The duplicate check and
// the insert are one statement, so of two concurrent submissions for the
// same resource exactly one is accepted.
func (q *Queue) Enqueue(ctx context.Context, payload Payload) (*store.Job, error) {
	resType, resID := payload.ResourceKey()
	if resID == "" {
		return nil, fmt.Errorf("%s: missing %s id", payload.JobType(), resType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", payload.JobType(), err)
	}

	allowDuplicates := false
	if d, ok := payload.(DuplicateAllower); ok {
		allowDuplicates = d.AllowDuplicates()
	}
	priority := DefaultPriority
	if p, ok := payload.(Prioritized); ok {
		priority = p.Priority()
	}
	maxAttempts := q.maxAttempts
	if m, ok := payload.(MaxAttempter); ok {
		maxAttempts = m.MaxAttempts()
	}

	job := &store.Job{
		ID:           uuid.NewString(),
		Type:         string(payload.JobType()),
		Payload:      data,
		Priority:     priority,
		MaxAttempts:  maxAttempts,
		ResourceType: resType,
		ResourceID:   resID,
	}
	if err := q.store.CreateJob(ctx, job, allowDuplicates); err != nil {
		if errors.Is(err, store.ErrActiveJobExists) {
			return nil, fmt.Errorf("%s %s: %w", resType, resID, ErrJobAlreadyExists)
		}
		return nil, err
	}

	if q.notify != nil {
		q.notify()
	}
	return job, nil
}
