package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot-sub010/internal/sandbox"
	"github.com/wskish/discobot-sub010/internal/session"
	"github.com/wskish/discobot-sub010/internal/store"
	"github.com/wskish/discobot-sub010/internal/testutil"
)

func TestReapIdle_NoIdle(t *testing.T) {
	st := &MockReaperStore{}
	sm := &MockSessionStopper{}
	r := New(st, sm, 30*time.Minute, time.Minute, testutil.Logger())

	st.On("ListIdleSessions", mock.Anything, 30*time.Minute).Return([]*store.Session{}, nil)

	assert.Equal(t, 0, r.reapIdle(context.Background()))

	st.AssertExpectations(t)
	sm.AssertNotCalled(t, "StopForSession", mock.Anything, mock.Anything)
}

func TestReapIdle_WithIdle(t *testing.T) {
	st := &MockReaperStore{}
	sm := &MockSessionStopper{}
	r := New(st, sm, 30*time.Minute, time.Minute, testutil.Logger())

	idle := []*store.Session{
		{ID: "s1", LastActivity: time.Now().Add(-time.Hour)},
		{ID: "s2", LastActivity: time.Now().Add(-2 * time.Hour)},
	}
	st.On("ListIdleSessions", mock.Anything, 30*time.Minute).Return(idle, nil)
	sm.On("StopForSession", mock.Anything, "s1").Return(nil)
	sm.On("StopForSession", mock.Anything, "s2").Return(nil)

	assert.Equal(t, 2, r.reapIdle(context.Background()))

	st.AssertExpectations(t)
	sm.AssertExpectations(t)
}

func TestReapIdle_StopFailureContinues(t *testing.T) {
	st := &MockReaperStore{}
	sm := &MockSessionStopper{}
	r := New(st, sm, time.Minute, time.Minute, testutil.Logger())

	st.On("ListIdleSessions", mock.Anything, time.Minute).Return([]*store.Session{{ID: "s1"}, {ID: "s2"}}, nil)
	sm.On("StopForSession", mock.Anything, "s1").Return(errors.New("backend down"))
	sm.On("StopForSession", mock.Anything, "s2").Return(nil)

	assert.Equal(t, 1, r.reapIdle(context.Background()))
	sm.AssertCalled(t, "StopForSession", mock.Anything, "s2")
}

func TestReapIdle_ListError(t *testing.T) {
	st := &MockReaperStore{}
	sm := &MockSessionStopper{}
	r := New(st, sm, time.Minute, time.Minute, testutil.Logger())

	st.On("ListIdleSessions", mock.Anything, time.Minute).Return(nil, errors.New("db locked"))

	require.NotPanics(t, func() {
		assert.Equal(t, 0, r.reapIdle(context.Background()))
	})
	sm.AssertNotCalled(t, "StopForSession", mock.Anything, mock.Anything)
}

func TestRun_DisabledWaitsForCancel(t *testing.T) {
	r := New(&MockReaperStore{}, &MockSessionStopper{}, 0, time.Millisecond, testutil.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}

func TestRun_GateSkipsSweep(t *testing.T) {
	st := &MockReaperStore{}
	r := New(st, &MockSessionStopper{}, time.Minute, 5*time.Millisecond, testutil.Logger())
	r.SetGate(func() bool { return false })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))
	st.AssertNotCalled(t, "ListIdleSessions", mock.Anything, mock.Anything)
}

func TestReapIdle_StopsRealSession(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	rt := testutil.NewFakeRuntime("img:1")
	sm := session.NewManager(session.Config{WorkspaceRoot: t.TempDir(), StopTimeout: time.Second}, st, rt, nil, testutil.Logger())

	require.NoError(t, st.CreateWorkspace(ctx, &store.Workspace{
		ID: "ws-1", ProjectID: "proj-1", Path: t.TempDir(), Status: store.WorkspaceReady,
	}))
	stale := testutil.TestSession("stale")
	stale.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, st.CreateSession(ctx, stale))
	require.NoError(t, st.CreateSession(ctx, testutil.TestSession("fresh")))
	require.NoError(t, sm.Initialize(ctx, "stale"))
	require.NoError(t, sm.Initialize(ctx, "fresh"))

	r := New(st, sm, 10*time.Minute, time.Minute, testutil.Logger())
	assert.Equal(t, 1, r.reapIdle(ctx))

	sb, err := rt.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusStopped, sb.Status)
	sess, err := st.GetSession(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, store.SessionStopped, sess.Status)

	sb, err = rt.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, sb.Status)
}
