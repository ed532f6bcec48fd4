package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/wskish/discobot-sub010/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListIdleSessions(ctx context.Context, idleFor time.Duration) ([]*store.Session, error) {
	args := m.Called(ctx, idleFor)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockSessionStopper mocks the SessionStopper interface.
type MockSessionStopper struct {
	mock.Mock
}

func (m *MockSessionStopper) StopForSession(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}
