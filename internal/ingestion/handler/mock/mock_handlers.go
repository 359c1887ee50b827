package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

// MockEventHandler is a mock for handler.EventHandlerInterface
type MockEventHandler struct {
	mock.Mock
}

// HandleEvent mocks the HandleEvent method
func (m *MockEventHandler) HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
	args := m.Called(ctx, eventType, metadata, rawEvent)
	return args.Error(0)
}

// PartitionKey mocks the PartitionKey method
func (m *MockEventHandler) PartitionKey(eventType model.EventType, rawEvent []byte) (string, error) {
	args := m.Called(eventType, rawEvent)
	return args.String(0), args.Error(1)
}
