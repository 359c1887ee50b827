package mock

import (
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ingestion"
)

// ConsumerMock is a mock implementation of the ingestion.ConsumerInterface
type ConsumerMock struct {
	mock.Mock
}

var _ ingestion.ConsumerInterface = (*ConsumerMock)(nil)

func (m *ConsumerMock) Setup() error {
	return m.Called().Error(0)
}

func (m *ConsumerMock) Start() error {
	return m.Called().Error(0)
}

func (m *ConsumerMock) Stop() {
	m.Called()
}
