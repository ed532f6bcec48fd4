// Package jobs defines the lifecycle job kinds, the queue collaborators use
// to submit them, and the executors the dispatcher runs them with.
package jobs

type JobType string

const (
	JobTypeSessionInit   JobType = "session_init"
	JobTypeSessionDelete JobType = "session_delete"
	JobTypeSessionCommit JobType = "session_commit"
	JobTypeWorkspaceInit JobType = "workspace_init"
)

// Resource types used as deduplication keys.
const (
	ResourceTypeSession   = "session"
	ResourceTypeWorkspace = "workspace"
)

// DefaultPriority applies to payloads that do not implement Prioritized.
const DefaultPriority = 10

// Payload is marshaled as a job's payload. Its resource key scopes
// deduplication and execution-time serialization.
type Payload interface {
	JobType() JobType
	ResourceKey() (resourceType, resourceID string)
}

// Prioritized overrides DefaultPriority. Higher runs first.
type Prioritized interface {
	Priority() int
}

// MaxAttempter overrides the configured max attempts.
type MaxAttempter interface {
	MaxAttempts() int
}

// DuplicateAllower lets several pending jobs share one resource. They still
// run one at a time.
type DuplicateAllower interface {
	AllowDuplicates() bool
}

type SessionInitPayload struct {
	ProjectID   string `json:"projectId"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	AgentID     string `json:"agentId"`
}

func (p SessionInitPayload) JobType() JobType              { return JobTypeSessionInit }
func (p SessionInitPayload) ResourceKey() (string, string) { return ResourceTypeSession, p.SessionID }
func (p SessionInitPayload) Priority() int                 { return 20 }

type SessionDeletePayload struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

func (p SessionDeletePayload) JobType() JobType              { return JobTypeSessionDelete }
func (p SessionDeletePayload) ResourceKey() (string, string) { return ResourceTypeSession, p.SessionID }
func (p SessionDeletePayload) Priority() int                 { return 5 }

// SessionCommitPayload is keyed on the workspace: commits from different
// sessions on one workspace must not interleave.
type SessionCommitPayload struct {
	ProjectID   string `json:"projectId"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	Message     string `json:"message,omitempty"`
}

func (p SessionCommitPayload) JobType() JobType { return JobTypeSessionCommit }
func (p SessionCommitPayload) ResourceKey() (string, string) {
	return ResourceTypeWorkspace, p.WorkspaceID
}
func (p SessionCommitPayload) MaxAttempts() int      { return 1 }
func (p SessionCommitPayload) AllowDuplicates() bool { return true }

type WorkspaceInitPayload struct {
	ProjectID   string `json:"projectId"`
	WorkspaceID string `json:"workspaceId"`
}

func (p WorkspaceInitPayload) JobType() JobType { return JobTypeWorkspaceInit }
func (p WorkspaceInitPayload) ResourceKey() (string, string) {
	return ResourceTypeWorkspace, p.WorkspaceID
}

// ProjectID extracts the projectId field every payload carries.
func ProjectID(raw []byte) string {
	var p struct {
		ProjectID string `json:"projectId"`
	}
	if err := unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.ProjectID
}
