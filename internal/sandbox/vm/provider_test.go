package vm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot-sub010/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-qemu")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testConfig(t *testing.T, qemu string) Config {
	t.Helper()
	images := t.TempDir()
	kernel := filepath.Join(images, "vmlinuz")
	rootfs := filepath.Join(images, "rootfs.img")
	require.NoError(t, os.WriteFile(kernel, []byte("kernel"), 0o644))
	require.NoError(t, os.WriteFile(rootfs, []byte("rootfs"), 0o644))
	return Config{
		DataDir:            t.TempDir(),
		QemuBinary:         qemu,
		KernelPath:         kernel,
		RootfsPath:         rootfs,
		BootTimeout:        2 * time.Second,
		StopTimeout:        100 * time.Millisecond,
		ExecInheritsLimits: true,
	}
}

func newProvider(t *testing.T, cfg Config) *Provider {
	t.Helper()
	p, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		sbs, _ := p.List(context.Background())
		for _, sb := range sbs {
			p.Remove(context.Background(), sb.SessionID)
		}
		p.Close()
	})
	return p
}

// readyGuest answers pings and runs every exec as a successful echo of its argv.
func readyGuest() *fakeGuest {
	g := &fakeGuest{}
	g.handle = func(req fakeRequest) (any, *agentError) {
		switch req.Execute {
		case "guest-ping":
			return map[string]any{}, nil
		case "guest-exec":
			var args guestExecArgs
			json.Unmarshal(req.Arguments, &args)
			line := strings.Join(append([]string{args.Path}, args.Arg...), " ")
			g.mu.Lock()
			g.commands = append(g.commands, "argv:"+line, "env:"+strings.Join(args.Env, ","))
			g.mu.Unlock()
			return map[string]int{"pid": 9}, nil
		case "guest-exec-status":
			return guestExecStatus{Exited: true, OutData: base64.StdEncoding.EncodeToString([]byte("ok\n"))}, nil
		}
		return nil, &agentError{Class: "CommandNotFound", Desc: req.Execute}
	}
	return g
}

func deadGuest() *agentClient {
	return &agentClient{
		dial: func(ctx context.Context) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
		poll: 5 * time.Millisecond,
	}
}

func TestQemuArgs(t *testing.T) {
	args := qemuArgs(launchSpec{
		name:      "discobot-s1",
		kernel:    "/img/vmlinuz",
		rootfs:    "/img/root,fs.img",
		workspace: "/ws/s1",
		dir:       "/data/s1",
		memoryMB:  1024,
		cpus:      4,
		hostPort:  40001,
		agentPort: 3002,
		accel:     "kvm",
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-accel kvm -cpu host")
	assert.Contains(t, joined, "-smp 4 -m 1024M")
	assert.Contains(t, joined, "file=/img/root,,fs.img,format=raw,if=virtio,snapshot=on")
	assert.Contains(t, joined, "local,path=/ws/s1,mount_tag=workspace")
	assert.Contains(t, joined, "hostfwd=tcp:127.0.0.1:40001-:3002")
	assert.Contains(t, joined, "path=/data/s1/qga.sock")
	assert.Contains(t, joined, "name=org.qemu.guest_agent.0")
	assert.Contains(t, joined, "name=opt/discobot/env,file=/data/s1/env")

	tcg := qemuArgs(launchSpec{accel: "tcg", cpus: 1, memoryMB: 512})
	assert.Contains(t, strings.Join(tcg, " "), "-accel tcg -cpu max")
}

func TestGuestCommand(t *testing.T) {
	assert.Equal(t, []string{"ls"}, guestCommand([]string{"ls"}, "", ""))
	assert.Equal(t,
		[]string{"/bin/sh", "-c", workdirShim, "sh", "/workspace/sub", "ls", "-la"},
		guestCommand([]string{"ls", "-la"}, "/workspace/sub", ""))
	assert.Equal(t,
		[]string{"runuser", "-u", "dev", "--", "/bin/sh", "-c", workdirShim, "sh", "/w", "id"},
		guestCommand([]string{"id"}, "/w", "dev"))
}

func TestFingerprintChangesWithImage(t *testing.T) {
	cfg := testConfig(t, "true")
	first, err := fingerprint(cfg.KernelPath, cfg.RootfsPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "vm:"))

	again, err := fingerprint(cfg.KernelPath, cfg.RootfsPath)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.NoError(t, os.WriteFile(cfg.RootfsPath, []byte("rootfs v2"), 0o644))
	changed, err := fingerprint(cfg.KernelPath, cfg.RootfsPath)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)

	_, err = fingerprint(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestLockDirContention(t *testing.T) {
	dir := t.TempDir()
	held, err := lockDir(context.Background(), dir, time.Second)
	require.NoError(t, err)

	_, err = lockDir(context.Background(), dir, 50*time.Millisecond)
	assert.ErrorIs(t, err, sandbox.ErrAlreadyExists)

	require.NoError(t, held.Unlock())
	again, err := lockDir(context.Background(), dir, time.Second)
	require.NoError(t, err)
	again.Unlock()
}

func TestNewRequiresDataDir(t *testing.T) {
	_, err := New(Config{}, testLogger())
	assert.Error(t, err)
}

func TestImageUnavailable(t *testing.T) {
	cfg := testConfig(t, "true")
	cfg.KernelPath = filepath.Join(t.TempDir(), "missing")
	p := newProvider(t, cfg)

	assert.Equal(t, "vm:unavailable", p.Image())
	assert.False(t, p.ImageExists(context.Background()))

	_, err := p.Create(context.Background(), "s1", sandbox.CreateOptions{WorkspacePath: t.TempDir()})
	assert.ErrorIs(t, err, sandbox.ErrInvalidImage)
}

func TestCreateRequiresWorkspace(t *testing.T) {
	p := newProvider(t, testConfig(t, "true"))

	_, err := p.Create(context.Background(), "s1", sandbox.CreateOptions{})
	assert.ErrorIs(t, err, sandbox.ErrStartFailed)

	_, err = p.Create(context.Background(), "s1", sandbox.CreateOptions{WorkspacePath: filepath.Join(t.TempDir(), "nope")})
	assert.ErrorIs(t, err, sandbox.ErrStartFailed)
}

func TestCreateWritesState(t *testing.T) {
	cfg := testConfig(t, "true")
	p := newProvider(t, cfg)
	ctx := context.Background()

	sb, err := p.Create(ctx, "s1", sandbox.CreateOptions{
		WorkspacePath:   t.TempDir(),
		WorkspaceCommit: "abc123",
		SharedSecret:    "s3cret",
		Labels:          map[string]string{"project": "p1"},
		Resources:       sandbox.Resources{MemoryMB: 1024, CPUCores: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusCreated, sb.Status)
	assert.Equal(t, p.Image(), sb.Image)
	assert.Equal(t, "p1", sb.Metadata["label.project"])
	assert.Equal(t, "3", sb.Metadata["cpus"])

	st, err := loadState(filepath.Join(cfg.DataDir, "s1"))
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusCreated, st.Status)
	assert.Equal(t, 1024, st.MemoryMB)

	env, err := os.ReadFile(filepath.Join(cfg.DataDir, "s1", envFile))
	require.NoError(t, err)
	assert.Contains(t, string(env), "SESSION_ID=s1\n")
	assert.Contains(t, string(env), "SHARED_SECRET=s3cret\n")
	assert.Contains(t, string(env), "WORKSPACE_COMMIT=abc123\n")

	_, err = p.Create(ctx, "s1", sandbox.CreateOptions{WorkspacePath: t.TempDir()})
	assert.ErrorIs(t, err, sandbox.ErrAlreadyExists)

	err = p.Stop(ctx, "s1", time.Second)
	assert.ErrorIs(t, err, sandbox.ErrNotRunning)
}

func TestStartExecStop(t *testing.T) {
	cfg := testConfig(t, writeScript(t, "exec sleep 30"))
	p := newProvider(t, cfg)
	g := readyGuest()
	p.newAgent = func(string) *agentClient { return g.client() }
	ctx := context.Background()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := p.Watch(watchCtx)
	require.NoError(t, err)

	_, err = p.Create(ctx, "s1", sandbox.CreateOptions{WorkspacePath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx, "s1"))
	assert.ErrorIs(t, p.Start(ctx, "s1"), sandbox.ErrAlreadyRunning)

	sb, err := p.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, sb.Status)
	require.Len(t, sb.Ports, 1)
	assert.Equal(t, 3002, sb.Ports[0].ContainerPort)
	assert.NotZero(t, sb.Ports[0].HostPort)

	res, err := p.Exec(ctx, "s1", []string{"git", "status"}, sandbox.ExecOptions{WorkDir: "/workspace", Env: map[string]string{"X": "1"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "ok\n", string(res.Stdout))
	seen := strings.Join(g.seen(), "\n")
	assert.Contains(t, seen, "argv:/bin/sh -c")
	assert.Contains(t, seen, "/workspace git status")
	assert.Contains(t, seen, "SESSION_ID=s1")
	assert.Contains(t, seen, "X=1")

	stream, err := p.ExecStream(ctx, "s1", []string{"tail", "-f"}, sandbox.ExecOptions{})
	require.NoError(t, err)
	code, _ := stream.Wait(ctx)
	assert.Equal(t, 1, code)

	require.NoError(t, p.Stop(ctx, "s1", 100*time.Millisecond))
	sb, err = p.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusStopped, sb.Status)
	assert.Empty(t, sb.Error)

	st, err := loadState(filepath.Join(cfg.DataDir, "s1"))
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusStopped, st.Status)
	assert.Zero(t, st.PID)

	var statuses []sandbox.Status
	for len(statuses) < 3 {
		select {
		case ev := <-events:
			statuses = append(statuses, ev.Status)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", statuses)
		}
	}
	assert.Equal(t, []sandbox.Status{sandbox.StatusCreated, sandbox.StatusRunning, sandbox.StatusStopped}, statuses)

	require.NoError(t, p.Stop(ctx, "s1", time.Second), "stopping twice is a no-op")
}

func TestStartBootTimeout(t *testing.T) {
	cfg := testConfig(t, writeScript(t, "exec sleep 30"))
	cfg.BootTimeout = 200 * time.Millisecond
	p := newProvider(t, cfg)
	p.newAgent = func(string) *agentClient { return deadGuest() }
	ctx := context.Background()

	_, err := p.Create(ctx, "s1", sandbox.CreateOptions{WorkspacePath: t.TempDir()})
	require.NoError(t, err)

	err = p.Start(ctx, "s1")
	assert.ErrorIs(t, err, sandbox.ErrTimeout)

	sb, err := p.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusFailed, sb.Status)
	assert.Contains(t, sb.Error, "guest agent did not become ready")
}

func TestStartQemuExitsEarly(t *testing.T) {
	cfg := testConfig(t, writeScript(t, "echo 'qemu: could not load kernel' >&2; exit 1"))
	p := newProvider(t, cfg)
	p.newAgent = func(string) *agentClient { return deadGuest() }
	ctx := context.Background()

	_, err := p.Create(ctx, "s1", sandbox.CreateOptions{WorkspacePath: t.TempDir()})
	require.NoError(t, err)

	err = p.Start(ctx, "s1")
	assert.ErrorIs(t, err, sandbox.ErrStartFailed)

	sb, err := p.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusFailed, sb.Status)
	assert.Contains(t, sb.Error, "qemu exited during boot")
}

func TestRemoveDeletesDirectory(t *testing.T) {
	cfg := testConfig(t, writeScript(t, "exec sleep 30"))
	p := newProvider(t, cfg)
	p.newAgent = func(string) *agentClient { return readyGuest().client() }
	ctx := context.Background()

	_, err := p.Create(ctx, "s1", sandbox.CreateOptions{WorkspacePath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx, "s1"))

	require.NoError(t, p.Remove(ctx, "s1"))
	_, err = os.Stat(filepath.Join(cfg.DataDir, "s1"))
	assert.True(t, os.IsNotExist(err))

	_, err = p.Get(ctx, "s1")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
	assert.NoError(t, p.Remove(ctx, "s1"), "removing twice is a no-op")
}

func TestAttachConsole(t *testing.T) {
	cfg := testConfig(t, writeScript(t, "echo booted; exec sleep 30"))
	p := newProvider(t, cfg)
	p.newAgent = func(string) *agentClient { return readyGuest().client() }
	ctx := context.Background()

	_, err := p.Attach(ctx, "s1", sandbox.AttachOptions{})
	assert.ErrorIs(t, err, sandbox.ErrNotFound)

	_, err = p.Create(ctx, "s1", sandbox.CreateOptions{WorkspacePath: t.TempDir()})
	require.NoError(t, err)
	_, err = p.Attach(ctx, "s1", sandbox.AttachOptions{})
	assert.ErrorIs(t, err, sandbox.ErrNotRunning)

	require.NoError(t, p.Start(ctx, "s1"))
	term, err := p.Attach(ctx, "s1", sandbox.AttachOptions{Rows: 24, Cols: 80})
	require.NoError(t, err)

	_, err = p.Attach(ctx, "s1", sandbox.AttachOptions{})
	assert.ErrorIs(t, err, sandbox.ErrAttachFailed, "the console has a single attacher")

	degraded, err := p.Attach(ctx, "s1", sandbox.AttachOptions{Cmd: []string{"bash"}})
	require.NoError(t, err)
	buf := make([]byte, 256)
	n, _ := degraded.Read(buf)
	assert.Contains(t, string(buf[:n]), "serial console")

	require.NoError(t, term.Close())
}

func TestRehydrate(t *testing.T) {
	cfg := testConfig(t, "true")

	dead := exec.Command("true")
	require.NoError(t, dead.Run())

	write := func(id string, st vmState) {
		dir := filepath.Join(cfg.DataDir, id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		st.SessionID = id
		require.NoError(t, saveState(dir, &st))
	}
	write("alive", vmState{Status: sandbox.StatusRunning, PID: os.Getpid(), HostPort: 4100})
	write("gone", vmState{Status: sandbox.StatusRunning, PID: dead.Process.Pid})
	write("fresh", vmState{Status: sandbox.StatusCreated})
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.DataDir, "empty"), 0o755))

	p, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	list, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)

	alive, err := p.Get(ctx, "alive")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, alive.Status)
	require.Len(t, alive.Ports, 1)
	assert.Equal(t, 4100, alive.Ports[0].HostPort)

	gone, err := p.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusFailed, gone.Status)
	assert.Contains(t, gone.Error, "orchestrator was down")

	fresh, err := p.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusCreated, fresh.Status)

	_, err = p.Attach(ctx, "alive", sandbox.AttachOptions{})
	assert.ErrorIs(t, err, sandbox.ErrAttachFailed, "adopted vms have no console")

	// A second process cannot adopt VMs this one holds.
	other, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer other.Close()
	list, err = other.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
