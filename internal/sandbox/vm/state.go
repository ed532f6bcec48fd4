package vm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/wskish/discobot-sub010/internal/sandbox"
)

const (
	stateFile   = "state.json"
	lockFile    = "lock"
	agentSocket = "qga.sock"
	envFile     = "env"
)

// vmState is persisted next to each VM so a restarted orchestrator can
// find machines it launched earlier.
type vmState struct {
	SessionID string            `json:"session_id"`
	Status    sandbox.Status    `json:"status"`
	Image     string            `json:"image"`
	PID       int               `json:"pid,omitempty"`
	Workspace string            `json:"workspace"`
	HostPort  int               `json:"host_port,omitempty"`
	MemoryMB  int               `json:"memory_mb"`
	CPUs      int               `json:"cpus"`
	Env       map[string]string `json:"env,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	StoppedAt *time.Time        `json:"stopped_at,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (s *vmState) sandbox(agentPort int) *sandbox.Sandbox {
	sb := &sandbox.Sandbox{
		ID:        "vm-" + s.SessionID,
		SessionID: s.SessionID,
		Status:    s.Status,
		Image:     s.Image,
		CreatedAt: s.CreatedAt,
		StartedAt: s.StartedAt,
		StoppedAt: s.StoppedAt,
		Error:     s.Error,
		Env:       s.Env,
		Metadata: map[string]string{
			"workspace": s.Workspace,
			"memory":    humanMemory(s.MemoryMB),
			"cpus":      fmt.Sprint(s.CPUs),
		},
	}
	for k, v := range s.Labels {
		sb.Metadata["label."+k] = v
	}
	if s.PID > 0 {
		sb.Metadata["pid"] = fmt.Sprint(s.PID)
	}
	if s.HostPort > 0 {
		sb.Ports = []sandbox.AssignedPort{{ContainerPort: agentPort, HostPort: s.HostPort, HostIP: "127.0.0.1", Protocol: "tcp"}}
	}
	return sb.Clone()
}

func saveState(dir string, st *vmState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vm state: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(dir, stateFile), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write vm state: %w", err)
	}
	return nil
}

func loadState(dir string) (*vmState, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		return nil, err
	}
	var st vmState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Join(dir, stateFile), err)
	}
	return &st, nil
}

// lockDir takes the per-session directory lock. It fails when another
// orchestrator on this host holds it.
func lockDir(ctx context.Context, dir string, wait time.Duration) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(dir, lockFile))
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil && lockCtx.Err() == nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is locked by another process", sandbox.ErrAlreadyExists, dir)
	}
	return fl, nil
}
