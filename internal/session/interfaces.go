package session

import (
	"context"

	"github.com/wskish/discobot-sub010/internal/sandbox"
	"github.com/wskish/discobot-sub010/internal/store"
)

type SessionStore interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status store.SessionStatus, errMsg string) error
	TransitionSessionStatus(ctx context.Context, id string, from, to store.SessionStatus, errMsg string) (bool, error)
	TouchSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error

	GetWorkspace(ctx context.Context, id string) (*store.Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *store.Workspace) error

	UpsertSandbox(ctx context.Context, sb *sandbox.Sandbox) error
	GetSandbox(ctx context.Context, sessionID string) (*sandbox.Sandbox, error)
	DeleteSandbox(ctx context.Context, sessionID string) error
}

// Publisher announces session and workspace state changes.
type Publisher interface {
	PublishSessionUpdated(ctx context.Context, projectID, sessionID, status, errMsg string) error
	PublishWorkspaceUpdated(ctx context.Context, projectID, workspaceID, status string) error
}
