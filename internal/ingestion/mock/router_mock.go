package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ingestion"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

// RouterMock is a mock implementation of the ingestion.RouterInterface
type RouterMock struct {
	mock.Mock
}

var _ ingestion.RouterInterface = (*RouterMock)(nil)

func (m *RouterMock) Register(eventType model.EventType, handler ingestion.EventHandler, key ingestion.KeyFunc) {
	m.Called(eventType, handler, key)
}

func (m *RouterMock) RegisterDefault(handler ingestion.EventHandler) {
	m.Called(handler)
}

func (m *RouterMock) PartitionKey(subject string, rawEvent []byte) (string, error) {
	args := m.Called(subject, rawEvent)
	return args.String(0), args.Error(1)
}

func (m *RouterMock) Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	args := m.Called(ctx, metadata, rawEvent)
	return args.Error(0)
}
