// Package local runs each session's agent as a plain subprocess inside the
// workspace directory. There is no isolation; it exists for development
// and single-user deployments.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sys/unix"

	"github.com/wskish/discobot-sub010/internal/sandbox"
)

// ImageName is reported as the image of every local sandbox.
const ImageName = "local"

const (
	attachUnsupportedMsg = "PTY/terminal access is not supported for the local sandbox backend.\n" +
		"Use the docker or vm backend if you need terminal access.\n" +
		"For local sessions, open a terminal in the workspace directory instead.\n"
	streamUnsupportedMsg = "Streaming command execution is not supported for the local sandbox backend.\n" +
		"Use the docker or vm backend if you need streaming features.\n"
)

type Config struct {
	// AgentCommand is a shell-style command line, split with shlex.
	AgentCommand       string
	StopTimeout        time.Duration
	ExecInheritsLimits bool
}

// process is the handle for one session. Fields other than done are
// guarded by Provider.mu.
type process struct {
	sb        *sandbox.Sandbox
	workspace string
	cmd       *exec.Cmd
	stopping  bool
	done      chan struct{}
}

type Provider struct {
	argv   []string
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	procs map[string]*process
	watch *sandbox.Broadcaster
}

func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	argv, err := shlex.Split(cfg.AgentCommand)
	if err != nil {
		return nil, fmt.Errorf("parse agent command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("local backend: agent command is empty")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Provider{
		argv:   argv,
		cfg:    cfg,
		logger: logger,
		procs:  make(map[string]*process),
		watch:  sandbox.NewBroadcaster(0),
	}, nil
}

func (p *Provider) Image() string { return ImageName }

// ImageExists reports whether the agent binary can be resolved.
func (p *Provider) ImageExists(context.Context) bool {
	_, err := exec.LookPath(p.argv[0])
	return err == nil
}

func (p *Provider) Create(_ context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	workspace, err := resolveWorkspace(opts.WorkspacePath)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.procs[sessionID]; ok && existing.sb.Status.Active() {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrAlreadyExists, sessionID)
	}

	env := map[string]string{
		"SESSION_ID":     sessionID,
		"WORKSPACE_PATH": workspace,
	}
	if opts.WorkspaceCommit != "" {
		env["WORKSPACE_COMMIT"] = opts.WorkspaceCommit
	}
	if opts.SharedSecret != "" {
		env["SHARED_SECRET"] = opts.SharedSecret
	}

	sb := &sandbox.Sandbox{
		ID:        "local-" + sessionID,
		SessionID: sessionID,
		Status:    sandbox.StatusCreated,
		Image:     ImageName,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]string{"workspace": workspace},
		Env:       env,
	}
	for k, v := range opts.Labels {
		sb.Metadata["label."+k] = v
	}

	p.procs[sessionID] = &process{sb: sb, workspace: workspace}
	p.publishLocked(sb)
	return sb.Clone(), nil
}

func resolveWorkspace(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: workspace path is required", sandbox.ErrStartFailed)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolve workspace %s: %v", sandbox.ErrStartFailed, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: workspace %s: %v", sandbox.ErrStartFailed, abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: workspace %s is not a directory", sandbox.ErrStartFailed, abs)
	}
	return abs, nil
}

func (p *Provider) Start(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	proc, ok := p.procs[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	switch proc.sb.Status {
	case sandbox.StatusRunning:
		return sandbox.ErrAlreadyRunning
	case sandbox.StatusCreated:
	default:
		return fmt.Errorf("%w: sandbox is %s and must be recreated", sandbox.ErrStartFailed, proc.sb.Status)
	}

	port, err := allocatePort()
	if err != nil {
		return fmt.Errorf("%w: allocate port: %v", sandbox.ErrStartFailed, err)
	}

	env := make(map[string]string, len(proc.sb.Env)+1)
	for k, v := range proc.sb.Env {
		env[k] = v
	}
	env["PORT"] = strconv.Itoa(port)

	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	cmd.Dir = proc.workspace
	cmd.Env = append(os.Environ(), envList(env)...)
	cmd.SysProcAttr = procAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: launch agent: %v", sandbox.ErrStartFailed, err)
	}

	now := time.Now().UTC()
	proc.cmd = cmd
	proc.stopping = false
	proc.done = make(chan struct{})
	proc.sb.Status = sandbox.StatusRunning
	proc.sb.StartedAt = &now
	proc.sb.StoppedAt = nil
	proc.sb.Error = ""
	proc.sb.Env = env
	proc.sb.Metadata["pid"] = strconv.Itoa(cmd.Process.Pid)
	proc.sb.Ports = []sandbox.AssignedPort{{
		ContainerPort: port,
		HostPort:      port,
		HostIP:        "127.0.0.1",
		Protocol:      "tcp",
	}}

	go p.monitor(sessionID, proc, cmd)

	p.logger.Info("local: agent started", "session_id", sessionID, "pid", cmd.Process.Pid, "port", port)
	p.publishLocked(proc.sb)
	return nil
}

// allocatePort binds to port 0, reads the assigned port and releases it so
// the agent can bind it.
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// monitor waits for the agent to exit and records the outcome exactly once.
func (p *Provider) monitor(sessionID string, proc *process, cmd *exec.Cmd) {
	waitErr := cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(proc.done)

	now := time.Now().UTC()
	proc.sb.StoppedAt = &now
	// The agent is a long-running server, so any exit not asked for by Stop
	// is a failure, even a clean one.
	switch {
	case proc.stopping:
		proc.sb.Status = sandbox.StatusStopped
	case waitErr != nil:
		proc.sb.Status = sandbox.StatusFailed
		proc.sb.Error = fmt.Sprintf("process exited with error: %v", waitErr)
	default:
		proc.sb.Status = sandbox.StatusFailed
		proc.sb.Error = "process exited unexpectedly with status 0"
	}

	p.logger.Info("local: agent exited", "session_id", sessionID, "status", proc.sb.Status, "error", waitErr)

	// A removed or replaced handle no longer speaks for the session.
	if p.procs[sessionID] == proc {
		p.publishLocked(proc.sb)
	}
}

func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	p.mu.Lock()
	proc, ok := p.procs[sessionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	switch proc.sb.Status {
	case sandbox.StatusStopped, sandbox.StatusFailed:
		p.mu.Unlock()
		return nil
	case sandbox.StatusCreated:
		p.mu.Unlock()
		return fmt.Errorf("%w: session %s was never started", sandbox.ErrNotRunning, sessionID)
	}
	proc.stopping = true
	pid := proc.cmd.Process.Pid
	done := proc.done
	p.mu.Unlock()

	return terminate(ctx, pid, done, timeout)
}

// terminate sends SIGTERM to the process group, then SIGKILL once timeout
// elapses, and waits for the monitor to observe the exit.
func terminate(ctx context.Context, pid int, done <-chan struct{}, timeout time.Duration) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = unix.Kill(pid, unix.SIGTERM)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = unix.Kill(pid, unix.SIGKILL)
	}

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%w: process %d did not exit after SIGKILL", sandbox.ErrTimeout, pid)
	}
}

func (p *Provider) Remove(ctx context.Context, sessionID string) error {
	p.mu.RLock()
	proc, ok := p.procs[sessionID]
	running := ok && proc.sb.Status == sandbox.StatusRunning
	p.mu.RUnlock()

	if !ok {
		return nil
	}
	if running {
		if err := p.Stop(ctx, sessionID, p.cfg.StopTimeout); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.procs[sessionID] != proc {
		return nil
	}
	delete(p.procs, sessionID)
	p.watch.Publish(sandbox.StateEvent{SessionID: sessionID, Status: sandbox.StatusRemoved, Timestamp: time.Now().UTC()})
	return nil
}

func (p *Provider) Get(_ context.Context, sessionID string) (*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	proc, ok := p.procs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	return proc.sb.Clone(), nil
}

func (p *Provider) List(context.Context) ([]*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*sandbox.Sandbox, 0, len(p.procs))
	for _, proc := range p.procs {
		out = append(out, proc.sb.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (p *Provider) Exec(ctx context.Context, sessionID string, cmdArgs []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if len(cmdArgs) == 0 {
		return nil, fmt.Errorf("%w: empty command", sandbox.ErrExecFailed)
	}

	p.mu.RLock()
	proc, ok := p.procs[sessionID]
	if !ok {
		p.mu.RUnlock()
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if proc.sb.Status != sandbox.StatusRunning {
		p.mu.RUnlock()
		return nil, fmt.Errorf("%w: session %s is %s", sandbox.ErrNotRunning, sessionID, proc.sb.Status)
	}
	workspace := proc.workspace
	var baseEnv map[string]string
	if p.cfg.ExecInheritsLimits {
		baseEnv = proc.sb.Env
	}
	env := make(map[string]string, len(baseEnv)+len(opts.Env))
	for k, v := range baseEnv {
		env[k] = v
	}
	p.mu.RUnlock()

	for k, v := range opts.Env {
		env[k] = v
	}

	dir := workspace
	if opts.WorkDir != "" {
		if filepath.IsAbs(opts.WorkDir) {
			dir = opts.WorkDir
		} else {
			dir = filepath.Join(workspace, opts.WorkDir)
		}
	}

	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), envList(env)...)
	cmd.Stdin = opts.Stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &sandbox.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrTimeout, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
}

// ExecStream returns a degraded stream whose stderr explains the limitation.
func (p *Provider) ExecStream(_ context.Context, sessionID string, _ []string, _ sandbox.ExecOptions) (sandbox.Stream, error) {
	if !p.exists(sessionID) {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	return sandbox.NewUnsupportedStream(streamUnsupportedMsg), nil
}

// Attach returns a degraded terminal whose first read explains the limitation.
func (p *Provider) Attach(_ context.Context, sessionID string, _ sandbox.AttachOptions) (sandbox.PTY, error) {
	if !p.exists(sessionID) {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	return sandbox.NewUnsupportedPTY(attachUnsupportedMsg), nil
}

func (p *Provider) exists(sessionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.procs[sessionID]
	return ok
}

func (p *Provider) Watch(ctx context.Context) (<-chan sandbox.StateEvent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := make([]*sandbox.Sandbox, 0, len(p.procs))
	for _, proc := range p.procs {
		snapshot = append(snapshot, proc.sb)
	}
	// Subscribing under the read lock orders the snapshot before any
	// event published by a writer.
	return p.watch.Subscribe(ctx, sandbox.EventsFor(snapshot)), nil
}

// Close stops every running agent.
func (p *Provider) Close() error {
	p.mu.RLock()
	var running []string
	for id, proc := range p.procs {
		if proc.sb.Status == sandbox.StatusRunning {
			running = append(running, id)
		}
	}
	p.mu.RUnlock()

	var errs []error
	for _, id := range running {
		if err := p.Stop(context.Background(), id, p.cfg.StopTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) publishLocked(sb *sandbox.Sandbox) {
	ts := sb.CreatedAt
	if sb.StoppedAt != nil {
		ts = *sb.StoppedAt
	} else if sb.StartedAt != nil {
		ts = *sb.StartedAt
	}
	p.watch.Publish(sandbox.StateEvent{SessionID: sb.SessionID, Status: sb.Status, Timestamp: ts, Error: sb.Error})
}
