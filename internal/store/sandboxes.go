package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wskish/discobot-sub010/internal/sandbox"
)

// UpsertSandbox mirrors the observed sandbox state for read paths that
// cannot reach the backend.
func (s *Store) UpsertSandbox(ctx context.Context, sb *sandbox.Sandbox) error {
	metadata, err := json.Marshal(orEmpty(sb.Metadata))
	if err != nil {
		return fmt.Errorf("encoding sandbox metadata: %w", err)
	}
	ports := sb.Ports
	if ports == nil {
		ports = []sandbox.AssignedPort{}
	}
	portsJSON, err := json.Marshal(ports)
	if err != nil {
		return fmt.Errorf("encoding sandbox ports: %w", err)
	}
	env, err := json.Marshal(orEmpty(sb.Env))
	if err != nil {
		return fmt.Errorf("encoding sandbox env: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO sandboxes (session_id, sandbox_id, status, image, error, metadata, ports, env, created_at, started_at, stopped_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, `+nowSQL+`)
		 ON CONFLICT(session_id) DO UPDATE SET
			sandbox_id = excluded.sandbox_id,
			status = excluded.status,
			image = excluded.image,
			error = excluded.error,
			metadata = excluded.metadata,
			ports = excluded.ports,
			env = excluded.env,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			updated_at = excluded.updated_at`,
		sb.SessionID, sb.ID, sb.Status, sb.Image, sb.Error, string(metadata), string(portsJSON), string(env),
		ts(sb.CreatedAt), nullTS(sb.StartedAt), nullTS(sb.StoppedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting sandbox: %w", err)
	}
	return nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// GetSandbox returns the last mirrored state for a session.
func (s *Store) GetSandbox(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	var sb sandbox.Sandbox
	var metadata, ports, env, created string
	var started, stopped sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, sandbox_id, status, image, error, metadata, ports, env, created_at, started_at, stopped_at
		 FROM sandboxes WHERE session_id = ?`, sessionID,
	).Scan(&sb.SessionID, &sb.ID, &sb.Status, &sb.Image, &sb.Error, &metadata, &ports, &env, &created, &started, &stopped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sandbox %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sandbox: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &sb.Metadata); err != nil {
		return nil, fmt.Errorf("decoding sandbox metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(ports), &sb.Ports); err != nil {
		return nil, fmt.Errorf("decoding sandbox ports: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &sb.Env); err != nil {
		return nil, fmt.Errorf("decoding sandbox env: %w", err)
	}
	sb.CreatedAt = parseTS(created)
	sb.StartedAt = parseNullTS(started)
	sb.StoppedAt = parseNullTS(stopped)
	return &sb, nil
}

// DeleteSandbox drops the mirror row. Missing rows are not an error.
func (s *Store) DeleteSandbox(ctx context.Context, sessionID string) error {
	if _, err := s.exec(ctx, `DELETE FROM sandboxes WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting sandbox: %w", err)
	}
	return nil
}
