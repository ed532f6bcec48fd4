// Package vm runs each session in its own QEMU virtual machine. Commands
// reach the guest through the QEMU guest agent; the serial console backs
// interactive attach.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/wskish/discobot-sub010/internal/sandbox"
)

const (
	streamUnsupportedMsg = "Streaming command execution is not supported for the vm sandbox backend.\n" +
		"Use Exec for buffered output or the docker backend for streaming.\n"
	commandAttachMsg = "The vm sandbox backend only offers the serial console.\n" +
		"Attach without a command to open it.\n"

	// workdirShim changes directory before exec'ing the real command, as
	// guest-exec has no working directory argument.
	workdirShim = `cd "$1" && shift && exec "$@"`
)

type Config struct {
	DataDir     string
	QemuBinary  string
	KernelPath  string
	RootfsPath  string
	Accel       string
	BootTimeout time.Duration
	StopTimeout time.Duration
	MemoryMB    int
	CPUs        int
	AgentPort   int
	// ExecInheritsLimits passes the sandbox environment to Exec'd commands.
	ExecInheritsLimits bool
}

// machine tracks one VM. Fields other than done and console are guarded
// by Provider.mu.
type machine struct {
	state    *vmState
	dir      string
	lock     *flock.Flock
	pid      int
	done     chan struct{}
	exitErr  error
	exitCode int
	stopping bool
	booting  bool
	console  *console
	agent    *agentClient
}

type Provider struct {
	cfg    Config
	logger *slog.Logger
	image  string

	mu       sync.RWMutex
	machines map[string]*machine
	locks    map[string]*sync.Mutex
	watch    *sandbox.Broadcaster
	newAgent func(dir string) *agentClient
}

// New prepares the data directory and adopts VMs recorded there by an
// earlier process.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("vm backend: data dir is required")
	}
	if cfg.QemuBinary == "" {
		cfg.QemuBinary = "qemu-system-x86_64"
	}
	if cfg.Accel == "" {
		cfg.Accel = "tcg"
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = 60 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 2
	}
	if cfg.AgentPort <= 0 {
		cfg.AgentPort = 3002
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create vm data dir: %w", err)
	}

	p := &Provider{
		cfg:      cfg,
		logger:   logger,
		machines: make(map[string]*machine),
		locks:    make(map[string]*sync.Mutex),
		watch:    sandbox.NewBroadcaster(0),
		newAgent: func(dir string) *agentClient { return newAgentClient(filepath.Join(dir, agentSocket)) },
	}
	p.image = p.computeImage()
	p.rehydrate()
	return p, nil
}

func (p *Provider) computeImage() string {
	fp, err := fingerprint(p.cfg.KernelPath, p.cfg.RootfsPath)
	if err != nil {
		p.logger.Warn("vm: guest image unavailable", "kernel", p.cfg.KernelPath, "rootfs", p.cfg.RootfsPath, "error", err)
		return "vm:unavailable"
	}
	return fp
}

func (p *Provider) sessionLock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu, ok := p.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[sessionID] = mu
	}
	return mu
}

func (p *Provider) sessionDir(sessionID string) string {
	return filepath.Join(p.cfg.DataDir, sessionID)
}

// rehydrate adopts VMs whose state files survive in the data dir.
func (p *Provider) rehydrate() {
	entries, err := os.ReadDir(p.cfg.DataDir)
	if err != nil {
		p.logger.Warn("vm: scan data dir", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(p.cfg.DataDir, e.Name())
		st, err := loadState(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				p.logger.Warn("vm: skip unreadable state", "dir", dir, "error", err)
			}
			continue
		}
		lock, err := lockDir(context.Background(), dir, 100*time.Millisecond)
		if err != nil {
			p.logger.Warn("vm: skip locked vm", "session_id", st.SessionID, "error", err)
			continue
		}

		m := &machine{state: st, dir: dir, lock: lock, agent: p.newAgent(dir)}
		if st.Status == sandbox.StatusRunning {
			if pidAlive(st.PID) {
				m.pid = st.PID
				m.done = make(chan struct{})
				go p.pollExit(st.SessionID, m)
			} else {
				now := time.Now().UTC()
				st.Status = sandbox.StatusFailed
				st.StoppedAt = &now
				st.Error = "vm exited while the orchestrator was down"
				st.PID = 0
				if err := saveState(dir, st); err != nil {
					p.logger.Warn("vm: save state", "session_id", st.SessionID, "error", err)
				}
			}
		}
		p.machines[st.SessionID] = m
		p.logger.Info("vm: adopted", "session_id", st.SessionID, "status", st.Status, "pid", m.pid)
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (p *Provider) Image() string { return p.image }

func (p *Provider) ImageExists(context.Context) bool {
	for _, path := range []string{p.cfg.KernelPath, p.cfg.RootfsPath} {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return false
		}
	}
	return true
}

func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	workspace, err := resolveWorkspace(opts.WorkspacePath)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	existing := p.machines[sessionID]
	p.mu.RUnlock()
	if existing != nil {
		if existing.state.Status.Active() {
			return nil, fmt.Errorf("%w: session %s", sandbox.ErrAlreadyExists, sessionID)
		}
		p.discard(sessionID, existing)
	}

	if !p.ImageExists(ctx) {
		return nil, fmt.Errorf("%w: kernel %s or rootfs %s missing", sandbox.ErrInvalidImage, p.cfg.KernelPath, p.cfg.RootfsPath)
	}

	dir := p.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create vm dir: %v", sandbox.ErrStartFailed, err)
	}
	fl, err := lockDir(ctx, dir, time.Second)
	if err != nil {
		return nil, err
	}

	env := map[string]string{
		"SESSION_ID":     sessionID,
		"WORKSPACE_PATH": "/workspace",
	}
	if opts.WorkspaceCommit != "" {
		env["WORKSPACE_COMMIT"] = opts.WorkspaceCommit
	}
	if opts.SharedSecret != "" {
		env["SHARED_SECRET"] = opts.SharedSecret
	}
	if err := writeEnvFile(dir, env); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("%w: write env: %v", sandbox.ErrStartFailed, err)
	}

	st := &vmState{
		SessionID: sessionID,
		Status:    sandbox.StatusCreated,
		Image:     p.image,
		Workspace: workspace,
		MemoryMB:  p.cfg.MemoryMB,
		CPUs:      p.cfg.CPUs,
		Env:       env,
		Labels:    opts.Labels,
		CreatedAt: time.Now().UTC(),
	}
	if opts.Resources.MemoryMB > 0 {
		st.MemoryMB = opts.Resources.MemoryMB
	}
	if opts.Resources.CPUCores >= 1 {
		st.CPUs = int(opts.Resources.CPUCores)
	}
	if err := saveState(dir, st); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("%w: %v", sandbox.ErrStartFailed, err)
	}

	m := &machine{state: st, dir: dir, lock: fl, agent: p.newAgent(dir)}
	p.mu.Lock()
	p.machines[sessionID] = m
	p.publishLocked(st)
	p.mu.Unlock()

	p.logger.Info("vm: created", "session_id", sessionID, "image", p.image, "memory", humanMemory(st.MemoryMB))
	return st.sandbox(p.cfg.AgentPort), nil
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

// discard drops an inactive machine and its directory.
func (p *Provider) discard(sessionID string, m *machine) {
	p.mu.Lock()
	if p.machines[sessionID] == m {
		delete(p.machines, sessionID)
	}
	p.mu.Unlock()
	if m.console != nil {
		m.console.close()
	}
	if m.lock != nil {
		m.lock.Unlock()
	}
	if err := os.RemoveAll(m.dir); err != nil {
		p.logger.Warn("vm: remove dir", "session_id", sessionID, "error", err)
	}
}

func (p *Provider) Start(ctx context.Context, sessionID string) error {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	m, ok := p.machines[sessionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if m.state.Status == sandbox.StatusRunning {
		p.mu.Unlock()
		return sandbox.ErrAlreadyRunning
	}
	st := *m.state
	p.mu.Unlock()

	hostPort, err := allocatePort()
	if err != nil {
		return fmt.Errorf("%w: allocate port: %v", sandbox.ErrStartFailed, err)
	}
	_ = os.Remove(filepath.Join(m.dir, agentSocket))

	args := qemuArgs(launchSpec{
		name:      "discobot-" + sessionID,
		kernel:    p.cfg.KernelPath,
		rootfs:    p.cfg.RootfsPath,
		workspace: st.Workspace,
		dir:       m.dir,
		memoryMB:  st.MemoryMB,
		cpus:      st.CPUs,
		hostPort:  hostPort,
		agentPort: p.cfg.AgentPort,
		accel:     p.cfg.Accel,
	})
	cmd := exec.Command(p.cfg.QemuBinary, args...)
	cmd.Dir = m.dir
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("%w: launch qemu: %v", sandbox.ErrStartFailed, err)
	}

	done := make(chan struct{})
	p.mu.Lock()
	m.pid = cmd.Process.Pid
	m.done = done
	m.exitErr = nil
	m.stopping = false
	m.booting = true
	m.console = newConsole(ptmx)
	m.state.PID = cmd.Process.Pid
	m.state.HostPort = hostPort
	p.mu.Unlock()

	go p.monitor(sessionID, m, cmd)

	bootCtx, cancel := context.WithTimeout(ctx, p.cfg.BootTimeout)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-bootCtx.Done():
		}
	}()

	p.logger.Info("vm: booting", "session_id", sessionID, "pid", cmd.Process.Pid, "host_port", hostPort)
	if err := m.agent.waitReady(bootCtx); err != nil {
		return p.failBoot(sessionID, m, err)
	}

	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	m.booting = false
	select {
	case <-done:
		// Exited between the last ping and now.
		return p.recordBootFailureLocked(m, "qemu exited during boot", sandbox.ErrStartFailed)
	default:
	}
	m.state.Status = sandbox.StatusRunning
	m.state.StartedAt = &now
	m.state.StoppedAt = nil
	m.state.Error = ""
	if err := saveState(m.dir, m.state); err != nil {
		p.logger.Warn("vm: save state", "session_id", sessionID, "error", err)
	}
	p.publishLocked(m.state)
	p.logger.Info("vm: running", "session_id", sessionID)
	return nil
}

// failBoot kills a VM that did not come up and records the failure.
func (p *Provider) failBoot(sessionID string, m *machine, bootErr error) error {
	p.mu.Lock()
	m.stopping = true
	pid, done := m.pid, m.done
	p.mu.Unlock()

	select {
	case <-done:
	default:
		_ = unix.Kill(pid, unix.SIGKILL)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	m.booting = false
	kind := sandbox.ErrStartFailed
	msg := fmt.Sprintf("guest agent did not become ready: %v", bootErr)
	if m.exitErr != nil && !errors.Is(bootErr, context.DeadlineExceeded) {
		msg = fmt.Sprintf("qemu exited during boot: %v", m.exitErr)
	} else if errors.Is(bootErr, context.DeadlineExceeded) {
		kind = sandbox.ErrTimeout
	}
	p.logger.Warn("vm: boot failed", "session_id", sessionID, "error", msg)
	return p.recordBootFailureLocked(m, msg, kind)
}

func (p *Provider) recordBootFailureLocked(m *machine, msg string, kind error) error {
	now := time.Now().UTC()
	m.state.Status = sandbox.StatusFailed
	m.state.Error = msg
	m.state.StoppedAt = &now
	m.state.PID = 0
	if err := saveState(m.dir, m.state); err != nil {
		p.logger.Warn("vm: save state", "session_id", m.state.SessionID, "error", err)
	}
	p.publishLocked(m.state)
	return fmt.Errorf("%w: %s", kind, msg)
}

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

// monitor reaps qemu and records the exit exactly once. Boot failures are
// recorded by Start instead.
func (p *Provider) monitor(sessionID string, m *machine, cmd *exec.Cmd) {
	waitErr := cmd.Wait()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	p.recordExit(sessionID, m, waitErr, code)
}

// pollExit watches an adopted VM that is not our child.
func (p *Provider) pollExit(sessionID string, m *machine) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.RLock()
		pid := m.pid
		p.mu.RUnlock()
		if !pidAlive(pid) {
			p.recordExit(sessionID, m, nil, 0)
			return
		}
	}
}

func (p *Provider) recordExit(sessionID string, m *machine, waitErr error, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(m.done)

	m.exitErr = waitErr
	m.exitCode = code
	if m.console != nil {
		m.console.close()
	}
	if m.booting {
		return
	}

	now := time.Now().UTC()
	m.state.StoppedAt = &now
	m.state.PID = 0
	switch {
	case m.stopping:
		m.state.Status = sandbox.StatusStopped
	case waitErr != nil:
		m.state.Status = sandbox.StatusFailed
		m.state.Error = fmt.Sprintf("qemu exited with error: %v", waitErr)
	default:
		m.state.Status = sandbox.StatusFailed
		m.state.Error = "qemu exited unexpectedly with status 0"
	}
	p.logger.Info("vm: exited", "session_id", sessionID, "status", m.state.Status, "error", waitErr)

	if p.machines[sessionID] != m {
		return
	}
	if err := saveState(m.dir, m.state); err != nil {
		p.logger.Warn("vm: save state", "session_id", sessionID, "error", err)
	}
	p.publishLocked(m.state)
}

func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return p.stop(ctx, sessionID, timeout)
}

func (p *Provider) stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	p.mu.Lock()
	m, ok := p.machines[sessionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	switch m.state.Status {
	case sandbox.StatusStopped, sandbox.StatusFailed:
		p.mu.Unlock()
		return nil
	case sandbox.StatusCreated:
		p.mu.Unlock()
		return fmt.Errorf("%w: session %s was never started", sandbox.ErrNotRunning, sessionID)
	}
	m.stopping = true
	pid, done := m.pid, m.done
	p.mu.Unlock()

	if timeout <= 0 {
		timeout = p.cfg.StopTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := m.agent.shutdown(shutdownCtx); err != nil {
		p.logger.Debug("vm: guest shutdown request failed", "session_id", sessionID, "error", err)
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-deadline.C:
	case <-ctx.Done():
	}

	_ = unix.Kill(pid, unix.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
	}

	_ = unix.Kill(pid, unix.SIGKILL)
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%w: qemu %d did not exit after SIGKILL", sandbox.ErrTimeout, pid)
	}
}

func (p *Provider) Remove(ctx context.Context, sessionID string) error {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.RLock()
	m, ok := p.machines[sessionID]
	running := ok && m.state.Status == sandbox.StatusRunning
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	if running {
		if err := p.stop(ctx, sessionID, p.cfg.StopTimeout); err != nil {
			return err
		}
	}

	p.discard(sessionID, m)
	p.mu.Lock()
	delete(p.locks, sessionID)
	p.watch.Publish(sandbox.StateEvent{SessionID: sessionID, Status: sandbox.StatusRemoved, Timestamp: time.Now().UTC()})
	p.mu.Unlock()
	p.logger.Info("vm: removed", "session_id", sessionID)
	return nil
}

func (p *Provider) Get(_ context.Context, sessionID string) (*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.machines[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	return m.state.sandbox(p.cfg.AgentPort), nil
}

func (p *Provider) List(context.Context) ([]*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*sandbox.Sandbox, 0, len(p.machines))
	for _, m := range p.machines {
		out = append(out, m.state.sandbox(p.cfg.AgentPort))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (p *Provider) running(sessionID string) (*machine, map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.machines[sessionID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if m.state.Status != sandbox.StatusRunning {
		return nil, nil, fmt.Errorf("%w: session %s is %s", sandbox.ErrNotRunning, sessionID, m.state.Status)
	}
	return m, m.state.Env, nil
}

// guestCommand wraps argv so it runs in workDir as user.
func guestCommand(argv []string, workDir, user string) []string {
	cmd := argv
	if workDir != "" {
		cmd = append([]string{"/bin/sh", "-c", workdirShim, "sh", workDir}, cmd...)
	}
	if user != "" {
		cmd = append([]string{"runuser", "-u", user, "--"}, cmd...)
	}
	return cmd
}

func (p *Provider) Exec(ctx context.Context, sessionID string, cmdArgs []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if len(cmdArgs) == 0 {
		return nil, fmt.Errorf("%w: empty command", sandbox.ErrExecFailed)
	}
	m, baseEnv, err := p.running(sessionID)
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	if p.cfg.ExecInheritsLimits {
		for k, v := range baseEnv {
			env[k] = v
		}
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	envs := make([]string, 0, len(env))
	for k, v := range env {
		envs = append(envs, k+"="+v)
	}
	sort.Strings(envs)

	var stdin []byte
	if opts.Stdin != nil {
		if stdin, err = io.ReadAll(opts.Stdin); err != nil {
			return nil, fmt.Errorf("%w: read stdin: %v", sandbox.ErrExecFailed, err)
		}
	}

	out, err := m.agent.exec(ctx, guestCommand(cmdArgs, opts.WorkDir, opts.User), envs, stdin)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", sandbox.ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}
	return &sandbox.ExecResult{ExitCode: out.exitCode, Stdout: out.stdout, Stderr: out.stderr}, nil
}

// ExecStream is degraded: the guest agent only returns buffered output.
func (p *Provider) ExecStream(_ context.Context, sessionID string, _ []string, _ sandbox.ExecOptions) (sandbox.Stream, error) {
	if _, _, err := p.running(sessionID); err != nil {
		return nil, err
	}
	return sandbox.NewUnsupportedStream(streamUnsupportedMsg), nil
}

// Attach connects to the serial console. Only one terminal may hold it.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	m, _, err := p.running(sessionID)
	if err != nil {
		return nil, err
	}
	if len(opts.Cmd) > 0 {
		return sandbox.NewUnsupportedPTY(commandAttachMsg), nil
	}

	p.mu.RLock()
	con, done := m.console, m.done
	p.mu.RUnlock()
	if con == nil {
		return nil, fmt.Errorf("%w: vm %s was adopted without a console", sandbox.ErrAttachFailed, sessionID)
	}
	r, ok := con.attach()
	if !ok {
		return nil, fmt.Errorf("%w: console for %s is already attached", sandbox.ErrAttachFailed, sessionID)
	}
	t := &consolePTY{
		c:      con,
		r:      r,
		exited: done,
		code: func() int {
			p.mu.RLock()
			defer p.mu.RUnlock()
			return m.exitCode
		},
	}
	if opts.Rows > 0 && opts.Cols > 0 {
		if err := t.Resize(ctx, opts.Rows, opts.Cols); err != nil {
			t.Close()
			return nil, fmt.Errorf("%w: resize console: %v", sandbox.ErrAttachFailed, err)
		}
	}
	return t, nil
}

func (p *Provider) Watch(ctx context.Context) (<-chan sandbox.StateEvent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snapshot := make([]*sandbox.Sandbox, 0, len(p.machines))
	for _, m := range p.machines {
		snapshot = append(snapshot, m.state.sandbox(p.cfg.AgentPort))
	}
	return p.watch.Subscribe(ctx, sandbox.EventsFor(snapshot)), nil
}

// Close releases the directory locks. Running VMs are left alone and are
// adopted again by the next process that opens the data dir.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for id, m := range p.machines {
		if m.lock != nil {
			if err := m.lock.Unlock(); err != nil {
				errs = append(errs, fmt.Errorf("unlock %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) publishLocked(st *vmState) {
	ts := st.CreatedAt
	if st.StoppedAt != nil {
		ts = *st.StoppedAt
	} else if st.StartedAt != nil {
		ts = *st.StartedAt
	}
	p.watch.Publish(sandbox.StateEvent{SessionID: st.SessionID, Status: st.Status, Timestamp: ts, Error: st.Error})
}
