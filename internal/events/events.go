// Package events persists project state changes and fans them out to
// subscribers. Publish writes to the store; a single Poller reads new rows
// by sequence number and delivers them, so events published by any server
// process reach subscribers on every process.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wskish/discobot-sub010/internal/store"
)

type EventType string

const (
	EventTypeSessionUpdated   EventType = "session_updated"
	EventTypeWorkspaceUpdated EventType = "workspace_updated"
	EventTypeJobCompleted     EventType = "job_completed"
)

type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	ProjectID string          `json:"projectId"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func fromStore(e *store.ProjectEvent) *Event {
	return &Event{
		ID:        e.ID,
		Seq:       e.Seq,
		ProjectID: e.ProjectID,
		Type:      EventType(e.Type),
		Timestamp: e.CreatedAt,
		Data:      e.Data,
	}
}

type SessionUpdatedData struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type WorkspaceUpdatedData struct {
	WorkspaceID string `json:"workspaceId"`
	Status      string `json:"status"`
}

type JobCompletedData struct {
	JobID        string `json:"jobId"`
	JobType      string `json:"jobType"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// Subscriber receives one project's events. Events is closed when the
// subscriber is closed.
type Subscriber struct {
	ID        int
	ProjectID string
	Events    chan *Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.Events)
}

// offer delivers ev without blocking. It reports false when the buffer is
// full and the event was dropped.
func (s *Subscriber) offer(ev *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.Events <- ev:
		return true
	default:
		return false
	}
}

type Broker struct {
	store  EventStore
	poller *Poller
	logger *slog.Logger
}

func NewBroker(st EventStore, poller *Poller, logger *slog.Logger) *Broker {
	return &Broker{store: st, poller: poller, logger: logger}
}

func (b *Broker) Subscribe(projectID string) *Subscriber {
	return b.poller.Subscribe(projectID)
}

func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.poller.Unsubscribe(sub)
}

// Publish persists an event and wakes the poller.
func (b *Broker) Publish(ctx context.Context, projectID string, typ EventType, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", typ, err)
	}
	rec := &store.ProjectEvent{
		ID:        ulid.Make().String(),
		ProjectID: projectID,
		Type:      string(typ),
		Data:      raw,
	}
	if err := b.store.CreateProjectEvent(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting event: %w", err)
	}
	b.poller.NotifyNewEvent()
	return fromStore(rec), nil
}

func (b *Broker) PublishSessionUpdated(ctx context.Context, projectID, sessionID, status, errMsg string) error {
	_, err := b.Publish(ctx, projectID, EventTypeSessionUpdated, SessionUpdatedData{
		SessionID: sessionID,
		Status:    status,
		Error:     errMsg,
	})
	return err
}

func (b *Broker) PublishWorkspaceUpdated(ctx context.Context, projectID, workspaceID, status string) error {
	_, err := b.Publish(ctx, projectID, EventTypeWorkspaceUpdated, WorkspaceUpdatedData{
		WorkspaceID: workspaceID,
		Status:      status,
	})
	return err
}

func (b *Broker) PublishJobCompleted(ctx context.Context, projectID string, data JobCompletedData) error {
	_, err := b.Publish(ctx, projectID, EventTypeJobCompleted, data)
	return err
}

// EventsAfter returns a project's persisted events after seq, for replay
// before following live delivery.
func (b *Broker) EventsAfter(ctx context.Context, projectID string, seq int64) ([]*Event, error) {
	recs, err := b.store.ListProjectEventsAfterSeq(ctx, projectID, seq, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Event, len(recs))
	for i, r := range recs {
		out[i] = fromStore(r)
	}
	return out, nil
}
