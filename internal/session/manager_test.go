package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot-sub010/internal/sandbox"
	"github.com/wskish/discobot-sub010/internal/store"
	"github.com/wskish/discobot-sub010/internal/testutil"
)

type fixture struct {
	st  *store.Store
	rt  *testutil.FakeRuntime
	pub *MockPublisher
	m   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewTestStore(t)
	rt := testutil.NewFakeRuntime("img:1")
	pub := lenientPublisher()
	cfg := Config{WorkspaceRoot: t.TempDir(), StopTimeout: time.Second, Resources: sandbox.Resources{MemoryMB: 512}}
	return &fixture{st: st, rt: rt, pub: pub, m: NewManager(cfg, st, rt, pub, testutil.Logger())}
}

// seed stores a ready workspace and an initializing session.
func (f *fixture) seed(t *testing.T, id string) *store.Session {
	t.Helper()
	ctx := context.Background()
	if _, err := f.st.GetWorkspace(ctx, "ws-1"); errors.Is(err, store.ErrNotFound) {
		require.NoError(t, f.st.CreateWorkspace(ctx, &store.Workspace{
			ID: "ws-1", ProjectID: "proj-1", Path: t.TempDir(), Status: store.WorkspaceReady, Commit: "abc123",
		}))
	}
	sess := testutil.TestSession(id)
	require.NoError(t, f.m.Create(ctx, sess))
	return sess
}

func (f *fixture) status(t *testing.T, id string) store.SessionStatus {
	t.Helper()
	sess, err := f.st.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess.Status
}

func TestInitializeCreatesAndStartsSandbox(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()

	require.NoError(t, f.m.Initialize(ctx, "s1"))

	sb, err := f.rt.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, sb.Status)
	assert.Equal(t, "img:1", sb.Image)
	assert.Equal(t, "proj-1", sb.Metadata["label.project_id"])
	assert.Equal(t, store.SessionReady, f.status(t, "s1"))

	mirrored, err := f.st.GetSandbox(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, mirrored.Status)

	f.pub.AssertCalled(t, "PublishSessionUpdated", mock.Anything, "proj-1", "s1", "ready", "")
}

func TestInitializeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()

	require.NoError(t, f.m.Initialize(ctx, "s1"))
	f.rt.ResetCalls()
	require.NoError(t, f.m.Initialize(ctx, "s1"))
	assert.Empty(t, f.rt.Calls(), "running sandbox on the current image is reused")
}

func TestInitializeReplacesOutdatedSandbox(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()

	require.NoError(t, f.m.Initialize(ctx, "s1"))
	f.rt.SetImage("img:2")
	f.rt.ResetCalls()

	require.NoError(t, f.m.Initialize(ctx, "s1"))
	assert.Equal(t, []testutil.Call{
		{Op: "stop", SessionID: "s1"},
		{Op: "remove", SessionID: "s1"},
		{Op: "create", SessionID: "s1"},
		{Op: "start", SessionID: "s1"},
	}, f.rt.Calls())

	sb, err := f.rt.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "img:2", sb.Image)
}

func TestInitializeFailureMarksError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	f.rt.FailOn("start", errors.New("engine exploded"))

	err := f.m.Initialize(context.Background(), "s1")
	require.Error(t, err)

	sess, err := f.st.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionError, sess.Status)
	assert.Contains(t, sess.Error, "engine exploded")
}

func TestInitializeRequiresReadyWorkspace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.CreateWorkspace(ctx, &store.Workspace{ID: "ws-1", ProjectID: "proj-1"}))
	require.NoError(t, f.m.Create(ctx, testutil.TestSession("s1")))

	err := f.m.Initialize(ctx, "s1")
	assert.ErrorContains(t, err, "not ready")
	assert.Empty(t, f.rt.Calls())
	assert.Equal(t, store.SessionError, f.status(t, "s1"))
}

func TestInitializeRefusesRemovingSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	_, err := f.m.MarkRemoving(context.Background(), "s1")
	require.NoError(t, err)

	assert.Error(t, f.m.Initialize(context.Background(), "s1"))
	assert.Empty(t, f.rt.Calls())
}

func TestInitializeHonorsRemovalRequestedMidway(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()

	creating := make(chan struct{})
	release := make(chan struct{})
	f.rt.BeforeCreate = func(string) {
		close(creating)
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- f.m.Initialize(ctx, "s1") }()

	<-creating
	_, err := f.m.MarkRemoving(ctx, "s1")
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	_, err = f.st.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.rt.Get(ctx, "s1")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
	_, err = f.st.GetSandbox(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	f.pub.AssertCalled(t, "PublishSessionUpdated", mock.Anything, "proj-1", "s1", "removed", "")
	f.pub.AssertNotCalled(t, "PublishSessionUpdated", mock.Anything, "proj-1", "s1", "ready", "")
}

func TestInitializeFailureKeepsRemovalRequest(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()

	f.rt.FailOn("create", errors.New("no capacity"))
	f.rt.BeforeCreate = func(string) {
		_, err := f.m.MarkRemoving(ctx, "s1")
		require.NoError(t, err)
	}

	require.NoError(t, f.m.Initialize(ctx, "s1"))
	_, err := f.st.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPerformDeletion(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()
	require.NoError(t, f.m.Initialize(ctx, "s1"))

	require.NoError(t, f.m.PerformDeletion(ctx, "proj-1", "s1"))

	_, err := f.rt.Get(ctx, "s1")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
	_, err = f.st.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.st.GetSandbox(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	f.pub.AssertCalled(t, "PublishSessionUpdated", mock.Anything, "proj-1", "s1", "removed", "")

	require.NoError(t, f.m.PerformDeletion(ctx, "proj-1", "s1"), "repeat is harmless")
}

func TestPerformDeletionRetriesAfterRemoveFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()
	require.NoError(t, f.m.Initialize(ctx, "s1"))

	f.rt.FailOn("remove", errors.New("busy"))
	require.Error(t, f.m.PerformDeletion(ctx, "proj-1", "s1"))
	assert.Equal(t, store.SessionRemoving, f.status(t, "s1"))

	f.rt.FailOn("remove", nil)
	require.NoError(t, f.m.PerformDeletion(ctx, "proj-1", "s1"))
}

func TestStopForSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()
	require.NoError(t, f.m.Initialize(ctx, "s1"))

	require.NoError(t, f.m.StopForSession(ctx, "s1"))
	sb, err := f.rt.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusStopped, sb.Status)
	assert.Equal(t, store.SessionStopped, f.status(t, "s1"))

	require.NoError(t, f.m.StopForSession(ctx, "s1"), "already stopped")
}

func TestPerformCommit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()
	require.NoError(t, f.m.Initialize(ctx, "s1"))

	var gotCmd []string
	f.rt.ExecFunc = func(_ string, cmd []string, _ sandbox.ExecOptions) (*sandbox.ExecResult, error) {
		gotCmd = cmd
		return &sandbox.ExecResult{Stdout: []byte("deadbeef\n")}, nil
	}
	require.NoError(t, f.m.PerformCommit(ctx, "proj-1", "s1", "save work"))
	require.Len(t, gotCmd, 5)
	assert.Equal(t, "save work", gotCmd[4])

	ws, err := f.st.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", ws.Commit)
	f.pub.AssertCalled(t, "PublishWorkspaceUpdated", mock.Anything, "proj-1", "ws-1", "ready")
}

func TestPerformCommitNonZeroExit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()
	require.NoError(t, f.m.Initialize(ctx, "s1"))

	f.rt.ExecFunc = func(string, []string, sandbox.ExecOptions) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 128, Stderr: []byte("fatal: not a git repository\n")}, nil
	}
	err := f.m.PerformCommit(ctx, "proj-1", "s1", "")
	assert.ErrorContains(t, err, "code 128: fatal: not a git repository")
}

func TestPerformCommitRequiresRunningSandbox(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	err := f.m.PerformCommit(context.Background(), "proj-1", "s1", "")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
}

func TestInitializeWorkspace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.CreateWorkspace(ctx, &store.Workspace{ID: "ws-new", ProjectID: "proj-1"}))

	require.NoError(t, f.m.InitializeWorkspace(ctx, "ws-new"))
	ws, err := f.st.GetWorkspace(ctx, "ws-new")
	require.NoError(t, err)
	assert.Equal(t, store.WorkspaceReady, ws.Status)
	assert.Equal(t, filepath.Join(f.m.cfg.WorkspaceRoot, "ws-new"), ws.Path)
	info, err := os.Stat(ws.Path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestInitializeWorkspaceFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	require.NoError(t, f.st.CreateWorkspace(ctx, &store.Workspace{ID: "ws-bad", ProjectID: "proj-1", Path: filepath.Join(blocker, "sub")}))

	require.Error(t, f.m.InitializeWorkspace(ctx, "ws-bad"))
	ws, err := f.st.GetWorkspace(ctx, "ws-bad")
	require.NoError(t, err)
	assert.Equal(t, store.WorkspaceError, ws.Status)
	assert.NotEmpty(t, ws.Error)
}

func TestSandboxFallsBackToMirror(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	ctx := context.Background()
	require.NoError(t, f.m.Initialize(ctx, "s1"))

	f.rt.FailOn("get", errors.New("daemon unreachable"))
	sb, err := f.m.Sandbox(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, sb.Status)

	f.rt.FailOn("get", nil)
	_, err = f.m.Sandbox(ctx, "missing")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
}

func TestSessionLockIsPerSession(t *testing.T) {
	f := newFixture(t)
	a := f.m.sessionLock("a")
	assert.Same(t, a, f.m.sessionLock("a"))
	assert.NotSame(t, a, f.m.sessionLock("b"))
	f.m.removeSessionLock("a")
	assert.NotSame(t, a, f.m.sessionLock("a"))
}
