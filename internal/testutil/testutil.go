package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wskish/discobot-sub010/internal/config"
	"github.com/wskish/discobot-sub010/internal/store"
)

// TestConfig returns a Config with short intervals suited to tests.
func TestConfig() *config.Config {
	cfg := config.Default()
	cfg.DBPath = ""
	cfg.ServerID = "test-server"
	cfg.Sandbox.Backend = "local"
	cfg.Sandbox.Image = "test-image:1"
	cfg.Sandbox.StopTimeout = config.Duration{Duration: time.Second}
	cfg.Dispatcher.PollInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Dispatcher.HeartbeatInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Dispatcher.HeartbeatTimeout = config.Duration{Duration: 100 * time.Millisecond}
	cfg.Dispatcher.JobTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.Dispatcher.RetryBackoff = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Dispatcher.StaleSweepInterval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Dispatcher.ShutdownTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.Reconciler.Interval = config.Duration{Duration: time.Hour}
	cfg.Events.PollInterval = config.Duration{Duration: 10 * time.Millisecond}
	return cfg
}

func TestSession(id string) *store.Session {
	return &store.Session{
		ID:          id,
		ProjectID:   "proj-1",
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Status:      store.SessionInitializing,
	}
}

// NewTestStore opens a SQLite store in a per-test temporary directory.
// A file is used rather than :memory: so every pooled connection sees the
// same database.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Logger returns a logger that only surfaces errors, or nothing when
// DISCOBOT_TEST_QUIET is set.
func Logger() *slog.Logger {
	var w io.Writer = os.Stderr
	if os.Getenv("DISCOBOT_TEST_QUIET") != "" {
		w = io.Discard
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelError}))
}
