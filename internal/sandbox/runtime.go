// Package sandbox defines the lifecycle contract shared by every execution
// backend. A session owns at most one sandbox at a time.
package sandbox

import (
	"context"
	"io"
	"time"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusRemoved Status = "removed"
)

// Active reports whether the sandbox still occupies its session slot.
func (s Status) Active() bool {
	return s == StatusCreated || s == StatusRunning
}

type AssignedPort struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	HostIP        string `json:"host_ip"`
	Protocol      string `json:"protocol"`
}

type Sandbox struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Status    Status            `json:"status"`
	Image     string            `json:"image"`
	CreatedAt time.Time         `json:"created_at"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	StoppedAt *time.Time        `json:"stopped_at,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Ports     []AssignedPort    `json:"ports,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Clone returns a deep copy so callers never alias adapter bookkeeping.
func (s *Sandbox) Clone() *Sandbox {
	if s == nil {
		return nil
	}
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		c.StoppedAt = &t
	}
	c.Metadata = cloneMap(s.Metadata)
	c.Env = cloneMap(s.Env)
	if s.Ports != nil {
		c.Ports = append([]AssignedPort(nil), s.Ports...)
	}
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type Resources struct {
	MemoryMB int
	CPUCores float64
	DiskMB   int
	Timeout  time.Duration
}

type CreateOptions struct {
	Labels          map[string]string
	SharedSecret    string
	WorkspacePath   string
	WorkspaceCommit string
	Resources       Resources
}

type ExecOptions struct {
	WorkDir string
	Env     map[string]string
	User    string
	Stdin   io.Reader
}

type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

type AttachOptions struct {
	Cmd  []string // empty means the default shell
	Rows int
	Cols int
	Env  map[string]string
}

// PTY is an interactive terminal attached to a sandbox.
type PTY interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, rows, cols int) error
	Wait(ctx context.Context) (int, error)
}

// Stream is a bidirectional, non-terminal command session.
// Read yields stdout; Stderr yields the error stream.
type Stream interface {
	io.ReadWriteCloser
	Stderr() io.Reader
	CloseWrite() error
	Wait(ctx context.Context) (int, error)
}

// StateEvent is emitted by Watch whenever a sandbox changes state.
type StateEvent struct {
	SessionID string
	Status    Status
	Timestamp time.Time
	Error     string
}

// Runtime is implemented by each backend adapter. All calls are safe for
// concurrent use; per-session serialization happens inside the adapter.
type Runtime interface {
	// Image identifies the image new sandboxes are created from.
	Image() string
	ImageExists(ctx context.Context) bool

	Create(ctx context.Context, sessionID string, opts CreateOptions) (*Sandbox, error)
	Start(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string, timeout time.Duration) error
	// Remove returns nil when the sandbox does not exist.
	Remove(ctx context.Context, sessionID string) error
	Get(ctx context.Context, sessionID string) (*Sandbox, error)
	List(ctx context.Context) ([]*Sandbox, error)

	Exec(ctx context.Context, sessionID string, cmd []string, opts ExecOptions) (*ExecResult, error)
	ExecStream(ctx context.Context, sessionID string, cmd []string, opts ExecOptions) (Stream, error)
	Attach(ctx context.Context, sessionID string, opts AttachOptions) (PTY, error)

	// Watch emits the current state of every known sandbox, then changes,
	// until ctx ends. The channel is closed when the watch stops.
	Watch(ctx context.Context) (<-chan StateEvent, error)

	Close() error
}
