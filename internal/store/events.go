package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ProjectEvent is a persisted state-change notification. Seq increases
// monotonically across all projects.
type ProjectEvent struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

const eventColumns = `seq, id, project_id, type, data, created_at`

// CreateProjectEvent inserts the event and fills in Seq and CreatedAt.
func (s *Store) CreateProjectEvent(ctx context.Context, ev *ProjectEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	data := string(ev.Data)
	if data == "" {
		data = "{}"
	}
	err := retryOnBusy(func() error {
		res, e := s.db.ExecContext(ctx,
			`INSERT INTO project_events (id, project_id, type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
			ev.ID, ev.ProjectID, ev.Type, data, ts(ev.CreatedAt),
		)
		if e != nil {
			return e
		}
		ev.Seq, e = res.LastInsertId()
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting project event: %w", err)
	}
	return nil
}

// ListEventsAfterSeq returns events across all projects with seq > afterSeq,
// oldest first.
func (s *Store) ListEventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]*ProjectEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM project_events WHERE seq > ? ORDER BY seq LIMIT ?`, afterSeq, limit)
}

// ListProjectEventsAfterSeq returns one project's events with seq > afterSeq.
func (s *Store) ListProjectEventsAfterSeq(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*ProjectEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM project_events WHERE project_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		projectID, afterSeq, limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*ProjectEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*ProjectEvent
	for rows.Next() {
		var ev ProjectEvent
		var data, created string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.ProjectID, &ev.Type, &data, &created); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Data = json.RawMessage(data)
		ev.CreatedAt = parseTS(created)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// GetMaxEventSeq returns the highest seq, or 0 when there are no events.
func (s *Store) GetMaxEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM project_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading max event seq: %w", err)
	}
	return seq, nil
}

// DeleteOldProjectEvents removes events older than olderThan.
func (s *Store) DeleteOldProjectEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.exec(ctx, `DELETE FROM project_events WHERE created_at < ?`, ts(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("deleting old events: %w", err)
	}
	return n, nil
}
