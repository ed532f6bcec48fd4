package jobs

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockSessionService mocks the SessionService interface.
type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Initialize(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *MockSessionService) PerformDeletion(ctx context.Context, projectID, sessionID string) error {
	return m.Called(ctx, projectID, sessionID).Error(0)
}

func (m *MockSessionService) PerformCommit(ctx context.Context, projectID, sessionID, message string) error {
	return m.Called(ctx, projectID, sessionID, message).Error(0)
}

func (m *MockSessionService) InitializeWorkspace(ctx context.Context, workspaceID string) error {
	return m.Called(ctx, workspaceID).Error(0)
}
