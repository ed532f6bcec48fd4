package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot-sub010/internal/jobs"
	"github.com/wskish/discobot-sub010/internal/sandbox"
	"github.com/wskish/discobot-sub010/internal/session"
	"github.com/wskish/discobot-sub010/internal/store"
	"github.com/wskish/discobot-sub010/internal/testutil"
)

type fixture struct {
	st *store.Store
	rt *testutil.FakeRuntime
	sm *session.Manager
	r  *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewTestStore(t)
	rt := testutil.NewFakeRuntime("img:1")
	sm := session.NewManager(session.Config{WorkspaceRoot: t.TempDir(), StopTimeout: time.Second}, st, rt, nil, testutil.Logger())
	require.NoError(t, st.CreateWorkspace(context.Background(), &store.Workspace{
		ID: "ws-1", ProjectID: "proj-1", Path: t.TempDir(), Status: store.WorkspaceReady,
	}))
	return &fixture{
		st: st,
		rt: rt,
		sm: sm,
		r:  New(st, rt, sm, time.Hour, time.Second, testutil.Logger()),
	}
}

// running seeds a ready session with a running sandbox on the current image.
func (f *fixture) running(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.st.CreateSession(ctx, testutil.TestSession(id)))
	require.NoError(t, f.sm.Initialize(ctx, id))
	f.rt.ResetCalls()
}

func (f *fixture) session(t *testing.T, id string, status store.SessionStatus) {
	t.Helper()
	sess := testutil.TestSession(id)
	sess.Status = status
	require.NoError(t, f.st.CreateSession(context.Background(), sess))
}

func (f *fixture) reconcile(t *testing.T) Stats {
	t.Helper()
	stats, err := f.r.Reconcile(context.Background())
	require.NoError(t, err)
	return stats
}

// assertConverged checks that another pass issues no mutating calls.
func (f *fixture) assertConverged(t *testing.T) {
	t.Helper()
	f.rt.ResetCalls()
	stats := f.reconcile(t)
	assert.False(t, stats.Changed(), "second pass changed something: %+v", stats)
	assert.Empty(t, f.rt.Calls(), "second pass issued runtime calls")
}

func ops(calls []testutil.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Op + ":" + c.SessionID
	}
	return out
}

func TestReconcileConvergedFleetIsNoop(t *testing.T) {
	f := newFixture(t)
	f.running(t, "s1")
	f.running(t, "s2")

	stats := f.reconcile(t)
	assert.False(t, stats.Changed())
	assert.Empty(t, f.rt.Calls())
}

func TestReconcileRecreatesMissingSandbox(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", store.SessionReady)

	stats := f.reconcile(t)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, []string{"create:s1", "start:s1"}, ops(f.rt.Calls()))

	sb, err := f.rt.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, sb.Status)

	mirrored, err := f.st.GetSandbox(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, mirrored.Status)

	f.assertConverged(t)
}

func TestReconcileRecreatesCrashedSandbox(t *testing.T) {
	f := newFixture(t)
	f.running(t, "s1")
	f.rt.Crash("s1", "killed")

	stats := f.reconcile(t)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, []string{"remove:s1", "create:s1", "start:s1"}, ops(f.rt.Calls()))

	f.assertConverged(t)
}

func TestReconcileReplacesOutdatedImage(t *testing.T) {
	f := newFixture(t)
	f.running(t, "s1")
	f.rt.SetImage("img:2")

	stats := f.reconcile(t)
	assert.Equal(t, 1, stats.Replaced)
	assert.Equal(t, []string{"stop:s1", "remove:s1", "create:s1", "start:s1"}, ops(f.rt.Calls()))

	sb, err := f.rt.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "img:2", sb.Image)
	assert.Equal(t, sandbox.StatusRunning, sb.Status)

	f.assertConverged(t)
}

func TestReconcileStartsCreatedSandbox(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", store.SessionReady)
	f.rt.Put(&sandbox.Sandbox{ID: "sb-1", SessionID: "s1", Status: sandbox.StatusCreated, Image: "img:1"})

	stats := f.reconcile(t)
	assert.Equal(t, 1, stats.Started)
	assert.Equal(t, []string{"start:s1"}, ops(f.rt.Calls()))

	f.assertConverged(t)
}

func TestReconcileRemovesOrphans(t *testing.T) {
	f := newFixture(t)
	f.running(t, "s1")
	f.rt.Put(&sandbox.Sandbox{ID: "sb-ghost", SessionID: "ghost", Status: sandbox.StatusRunning, Image: "img:1"})

	stats := f.reconcile(t)
	assert.Equal(t, 1, stats.Orphans)
	assert.Equal(t, []string{"remove:ghost"}, ops(f.rt.Calls()))

	_, err := f.rt.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)

	f.assertConverged(t)
}

func TestReconcileFinishesDeletion(t *testing.T) {
	f := newFixture(t)
	f.running(t, "s1")
	require.NoError(t, f.st.UpdateSessionStatus(context.Background(), "s1", store.SessionRemoving, ""))

	stats := f.reconcile(t)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, []string{"stop:s1", "remove:s1"}, ops(f.rt.Calls()))

	_, err := f.st.GetSession(context.Background(), "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.assertConverged(t)
}

func TestReconcileStopsSandboxOfStoppedSession(t *testing.T) {
	f := newFixture(t)
	f.running(t, "s1")
	require.NoError(t, f.st.UpdateSessionStatus(context.Background(), "s1", store.SessionStopped, ""))

	stats := f.reconcile(t)
	assert.Equal(t, 1, stats.Stopped)
	assert.Equal(t, []string{"stop:s1"}, ops(f.rt.Calls()))

	f.assertConverged(t)
}

func TestReconcileLeavesInitializingAndErrorSessions(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", store.SessionInitializing)
	f.session(t, "s2", store.SessionError)

	stats := f.reconcile(t)
	assert.False(t, stats.Changed())
	assert.Empty(t, f.rt.Calls())
}

func TestReconcileSkipsSessionsWithActiveJobs(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", store.SessionReady)
	require.NoError(t, f.st.CreateJob(context.Background(), &store.Job{
		ID: "job-1", Type: string(jobs.JobTypeSessionInit), Payload: []byte(`{}`),
		ResourceType: jobs.ResourceTypeSession, ResourceID: "s1", MaxAttempts: 3,
	}, false))

	stats := f.reconcile(t)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, f.rt.Calls())
}

func TestReconcileContinuesPastSessionFailure(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", store.SessionReady)
	f.running(t, "s2")
	f.rt.Put(&sandbox.Sandbox{ID: "sb-ghost", SessionID: "ghost", Status: sandbox.StatusStopped, Image: "img:1"})
	f.rt.FailOn("create", errors.New("no capacity"))

	stats := f.reconcile(t)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, stats.Orphans)

	f.rt.FailOn("create", nil)
	stats = f.reconcile(t)
	assert.Equal(t, 1, stats.Created)
	f.assertConverged(t)
}

func TestReconcileKeepsMirrorWhenBackendUnreachable(t *testing.T) {
	f := newFixture(t)
	f.running(t, "s1")
	f.rt.Crash("s1", "killed")
	f.rt.FailOn("get", errors.New("daemon down"))

	stats := f.reconcile(t)
	assert.Equal(t, 1, stats.Created)

	mirrored, err := f.st.GetSandbox(context.Background(), "s1")
	require.NoError(t, err, "an unreachable backend must not erase the mirror")
	assert.Equal(t, "s1", mirrored.SessionID)
}

func TestReconcileListFailureAbortsPass(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", store.SessionReady)
	f.rt.FailOn("list", errors.New("daemon down"))

	_, err := f.r.Reconcile(context.Background())
	assert.ErrorContains(t, err, "daemon down")
	assert.Empty(t, f.rt.Calls())
}

func TestGateSkipsPass(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", store.SessionReady)
	f.r.SetGate(func() bool { return false })

	f.r.tick(context.Background())
	assert.Empty(t, f.rt.Calls())

	f.r.SetGate(func() bool { return true })
	f.r.tick(context.Background())
	assert.Equal(t, []string{"create:s1", "start:s1"}, ops(f.rt.Calls()))
}

func TestRunReconcilesAtStartup(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", store.SessionReady)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.r.Run(ctx) }()

	require.Eventually(t, func() bool {
		sb, err := f.rt.Get(context.Background(), "s1")
		return err == nil && sb.Status == sandbox.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
