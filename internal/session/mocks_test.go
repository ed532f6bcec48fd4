package session

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockPublisher mocks the Publisher interface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishSessionUpdated(ctx context.Context, projectID, sessionID, status, errMsg string) error {
	return m.Called(ctx, projectID, sessionID, status, errMsg).Error(0)
}

func (m *MockPublisher) PublishWorkspaceUpdated(ctx context.Context, projectID, workspaceID, status string) error {
	return m.Called(ctx, projectID, workspaceID, status).Error(0)
}

// lenientPublisher accepts every publication.
func lenientPublisher() *MockPublisher {
	p := &MockPublisher{}
	p.On("PublishSessionUpdated", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	p.On("PublishWorkspaceUpdated", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return p
}
