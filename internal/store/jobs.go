package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job will never run again.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Error        string          `json:"error,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

const jobColumns = `id, type, payload, status, priority, attempts, max_attempts, resource_type, resource_id,
	error, worker_id, scheduled_at, started_at, completed_at, created_at, updated_at`

// CreateJob inserts a pending job. Unless allowDuplicates is set, the insert
// and the check for an active job on the same resource happen in one
// statement, so concurrent callers cannot both get through.
func (s *Store) CreateJob(ctx context.Context, job *Job, allowDuplicates bool) error {
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}

	query := `INSERT INTO jobs (id, type, payload, status, priority, attempts, max_attempts, resource_type, resource_id,
			scheduled_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, 0, ?, ?, ?, ` + nowSQL + `, ` + nowSQL + `, ` + nowSQL
	args := []any{job.ID, job.Type, string(job.Payload), job.Status, job.Priority, job.MaxAttempts, job.ResourceType, job.ResourceID}
	if !allowDuplicates && job.ResourceType != "" {
		query += ` WHERE NOT EXISTS (
			SELECT 1 FROM jobs WHERE resource_type = ? AND resource_id = ? AND status IN ('pending', 'running'))`
		args = append(args, job.ResourceType, job.ResourceID)
	}

	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s/%s: %w", job.Type, job.ResourceType, job.ResourceID, ErrActiveJobExists)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// LatestJobForResource returns the most recently created job for a resource.
func (s *Store) LatestJobForResource(ctx context.Context, resourceType, resourceID string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE resource_type = ? AND resource_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		resourceType, resourceID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job for %s %s: %w", resourceType, resourceID, ErrNotFound)
	}
	return job, err
}

// HasActiveJobForResource reports whether a pending or running job holds the resource.
func (s *Store) HasActiveJobForResource(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE resource_type = ? AND resource_id = ? AND status IN ('pending', 'running')`,
		resourceType, resourceID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting active jobs: %w", err)
	}
	return count > 0, nil
}

// ListJobs returns jobs with the given status, newest first. An empty
// status lists every job.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob atomically moves the next runnable job of one of the given types
// to running. Jobs are taken by priority (highest first), then schedule
// time. A job whose resource already has a running job is skipped, so work
// on one resource runs one job at a time. Returns nil, nil when nothing is
// runnable.
func (s *Store) ClaimJob(ctx context.Context, types []string, workerID string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	args := []any{workerID}
	for _, t := range types {
		args = append(args, t)
	}

	query := `UPDATE jobs SET
			status = 'running',
			attempts = attempts + 1,
			worker_id = ?,
			started_at = ` + nowSQL + `,
			updated_at = ` + nowSQL + `
		WHERE id = (
			SELECT j.id FROM jobs j
			WHERE j.status = 'pending'
			  AND j.scheduled_at <= ` + nowSQL + `
			  AND j.type IN (` + placeholders(len(types)) + `)
			  AND (j.resource_type = '' OR NOT EXISTS (
				SELECT 1 FROM jobs r
				WHERE r.status = 'running' AND r.resource_type = j.resource_type AND r.resource_id = j.resource_id))
			ORDER BY j.priority DESC, j.scheduled_at ASC, j.created_at ASC, j.rowid ASC
			LIMIT 1)
		RETURNING ` + jobColumns

	var job *Job
	err := retryOnBusy(func() error {
		var e error
		job, e = scanJob(s.db.QueryRowContext(ctx, query, args...))
		return e
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return job, nil
}

// CompleteJob marks a running job succeeded.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	n, err := s.exec(ctx,
		`UPDATE jobs SET status = 'succeeded', error = '', completed_at = `+nowSQL+`, updated_at = `+nowSQL+`
		 WHERE id = ? AND status = 'running'`, id,
	)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return checkRowAffected(n, "running job", id)
}

// FailJob records a failed attempt. While attempts remain the job returns to
// pending, scheduled attempts*backoff from now; otherwise it is terminally
// failed. The updated job is returned.
func (s *Store) FailJob(ctx context.Context, id, errMsg string, backoff time.Duration) (*Job, error) {
	query := `UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			error = ?,
			worker_id = '',
			started_at = CASE WHEN attempts >= max_attempts THEN started_at ELSE NULL END,
			completed_at = CASE WHEN attempts >= max_attempts THEN ` + nowSQL + ` ELSE NULL END,
			scheduled_at = CASE WHEN attempts >= max_attempts THEN scheduled_at
				ELSE strftime('%Y-%m-%d %H:%M:%f', 'now', printf('%.3f seconds', attempts * ?)) END,
			updated_at = ` + nowSQL + `
		WHERE id = ? AND status = 'running'
		RETURNING ` + jobColumns

	var job *Job
	err := retryOnBusy(func() error {
		var e error
		job, e = scanJob(s.db.QueryRowContext(ctx, query, errMsg, backoff.Seconds(), id))
		return e
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("running job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failing job: %w", err)
	}
	return job, nil
}

// CleanupStaleJobs returns jobs stuck in running longer than staleAfter to
// pending, as happens when a leader dies mid-execution. The interrupted
// attempt stays counted; a job with no attempts left is failed instead.
func (s *Store) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	n, err := s.exec(ctx,
		`UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			error = 'job exceeded stale timeout while running',
			worker_id = '',
			completed_at = CASE WHEN attempts >= max_attempts THEN `+nowSQL+` ELSE NULL END,
			started_at = NULL,
			updated_at = `+nowSQL+`
		 WHERE status = 'running' AND started_at < strftime('%Y-%m-%d %H:%M:%f', 'now', ?)`,
		offset(-staleAfter),
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up stale jobs: %w", err)
	}
	return n, nil
}

func scanJob(row scannable) (*Job, error) {
	var job Job
	var payload, scheduled, created, updated string
	var started, completed sql.NullString
	err := row.Scan(
		&job.ID, &job.Type, &payload, &job.Status, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&job.ResourceType, &job.ResourceID, &job.Error, &job.WorkerID,
		&scheduled, &started, &completed, &created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	job.Payload = json.RawMessage(payload)
	job.ScheduledAt = parseTS(scheduled)
	job.StartedAt = parseNullTS(started)
	job.CompletedAt = parseNullTS(completed)
	job.CreatedAt = parseTS(created)
	job.UpdatedAt = parseTS(updated)
	return &job, nil
}

// Leader is the dispatcher lease row.
type Leader struct {
	ServerID    string    `json:"server_id"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// TryAcquireLeadership renews the lease for serverID, or takes it over when
// no lease exists or the holder's heartbeat is older than timeout. Every
// timestamp is taken from the database clock so application servers with
// skewed clocks agree on lease age.
func (s *Store) TryAcquireLeadership(ctx context.Context, serverID string, timeout time.Duration) (bool, error) {
	n, err := s.exec(ctx,
		`INSERT INTO dispatcher_leader (id, server_id, heartbeat_at, acquired_at)
		 VALUES (1, ?, `+nowSQL+`, `+nowSQL+`)
		 ON CONFLICT(id) DO UPDATE SET
			server_id = excluded.server_id,
			heartbeat_at = excluded.heartbeat_at,
			acquired_at = CASE WHEN dispatcher_leader.server_id = excluded.server_id
				THEN dispatcher_leader.acquired_at ELSE excluded.acquired_at END
		 WHERE dispatcher_leader.server_id = excluded.server_id
			OR dispatcher_leader.heartbeat_at < strftime('%Y-%m-%d %H:%M:%f', 'now', ?)`,
		serverID, offset(-timeout),
	)
	if err != nil {
		return false, fmt.Errorf("acquiring leadership: %w", err)
	}
	return n > 0, nil
}

// ReleaseLeadership drops the lease if serverID still holds it.
func (s *Store) ReleaseLeadership(ctx context.Context, serverID string) error {
	if _, err := s.exec(ctx, `DELETE FROM dispatcher_leader WHERE id = 1 AND server_id = ?`, serverID); err != nil {
		return fmt.Errorf("releasing leadership: %w", err)
	}
	return nil
}

func (s *Store) GetLeader(ctx context.Context) (*Leader, error) {
	var l Leader
	var hb, acq string
	err := s.db.QueryRowContext(ctx,
		`SELECT server_id, heartbeat_at, acquired_at FROM dispatcher_leader WHERE id = 1`,
	).Scan(&l.ServerID, &hb, &acq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("leader: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading leader: %w", err)
	}
	l.HeartbeatAt = parseTS(hb)
	l.AcquiredAt = parseTS(acq)
	return &l, nil
}
