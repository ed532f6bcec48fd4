package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wskish/discobot-sub010/internal/store"
)

// waitRecheck bounds how long a missed event can delay WaitForJobCompletion.
const waitRecheck = 250 * time.Millisecond

// WaitForJobCompletion blocks until the latest job on the resource reaches
// a terminal status, and returns that status and its error message.
// Completion events give prompt wake-ups; the store is rechecked
// periodically in case an event was dropped.
func WaitForJobCompletion(ctx context.Context, broker *Broker, jobs JobReader, projectID, resourceType, resourceID string) (store.JobStatus, string, error) {
	sub := broker.Subscribe(projectID)
	defer broker.Unsubscribe(sub)

	check := func() (store.JobStatus, string, bool, error) {
		job, err := jobs.LatestJobForResource(ctx, resourceType, resourceID)
		if errors.Is(err, store.ErrNotFound) {
			return "", "", false, nil
		}
		if err != nil {
			return "", "", false, fmt.Errorf("reading job: %w", err)
		}
		if job.Status.Terminal() {
			return job.Status, job.Error, true, nil
		}
		return "", "", false, nil
	}

	if status, msg, done, err := check(); err != nil || done {
		return status, msg, err
	}

	ticker := time.NewTicker(waitRecheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case ev, ok := <-sub.Events:
			if !ok {
				return "", "", errors.New("event subscription closed")
			}
			if ev.Type != EventTypeJobCompleted {
				continue
			}
			var data JobCompletedData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				continue
			}
			if data.ResourceType == resourceType && data.ResourceID == resourceID {
				status := store.JobStatus(data.Status)
				if status.Terminal() {
					return status, data.Error, nil
				}
			}
		case <-ticker.C:
			if status, msg, done, err := check(); err != nil || done {
				return status, msg, err
			}
		}
	}
}
