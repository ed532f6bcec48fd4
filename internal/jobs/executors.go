package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wskish/discobot-sub010/internal/store"
)

// Executor runs jobs of one type.
type Executor interface {
	Type() JobType
	Execute(ctx context.Context, job *store.Job) error
}

var errNoService = errors.New("session service not available")

func unmarshal(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// Executors returns one executor per job kind, all backed by svc.
func Executors(svc SessionService) []Executor {
	return []Executor{
		&SessionInitExecutor{svc: svc},
		&SessionDeleteExecutor{svc: svc},
		&SessionCommitExecutor{svc: svc},
		&WorkspaceInitExecutor{svc: svc},
	}
}

type SessionInitExecutor struct {
	svc SessionService
}

func (e *SessionInitExecutor) Type() JobType { return JobTypeSessionInit }

func (e *SessionInitExecutor) Execute(ctx context.Context, job *store.Job) error {
	if e.svc == nil {
		return errNoService
	}
	var p SessionInitPayload
	if err := unmarshal(job.Payload, &p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return errors.New("sessionId is required")
	}
	if p.WorkspaceID == "" {
		return errors.New("workspaceId is required")
	}
	return e.svc.Initialize(ctx, p.SessionID)
}

type SessionDeleteExecutor struct {
	svc SessionService
}

func (e *SessionDeleteExecutor) Type() JobType { return JobTypeSessionDelete }

func (e *SessionDeleteExecutor) Execute(ctx context.Context, job *store.Job) error {
	if e.svc == nil {
		return errNoService
	}
	var p SessionDeletePayload
	if err := unmarshal(job.Payload, &p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return errors.New("sessionId is required")
	}
	if p.ProjectID == "" {
		return errors.New("projectId is required")
	}
	return e.svc.PerformDeletion(ctx, p.ProjectID, p.SessionID)
}

type SessionCommitExecutor struct {
	svc SessionService
}

func (e *SessionCommitExecutor) Type() JobType { return JobTypeSessionCommit }

func (e *SessionCommitExecutor) Execute(ctx context.Context, job *store.Job) error {
	if e.svc == nil {
		return errNoService
	}
	var p SessionCommitPayload
	if err := unmarshal(job.Payload, &p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return errors.New("sessionId is required")
	}
	if p.ProjectID == "" {
		return errors.New("projectId is required")
	}
	return e.svc.PerformCommit(ctx, p.ProjectID, p.SessionID, p.Message)
}

type WorkspaceInitExecutor struct {
	svc SessionService
}

func (e *WorkspaceInitExecutor) Type() JobType { return JobTypeWorkspaceInit }

func (e *WorkspaceInitExecutor) Execute(ctx context.Context, job *store.Job) error {
	if e.svc == nil {
		return errNoService
	}
	var p WorkspaceInitPayload
	if err := unmarshal(job.Payload, &p); err != nil {
		return err
	}
	if p.WorkspaceID == "" {
		return errors.New("workspaceId is required")
	}
	return e.svc.InitializeWorkspace(ctx, p.WorkspaceID)
}
