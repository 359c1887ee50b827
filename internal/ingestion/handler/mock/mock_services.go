package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/channel"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

// MockInboundDeliverer is a mock for handler.InboundDeliverer
type MockInboundDeliverer struct {
	mock.Mock
}

// DeliverInbound mocks the DeliverInbound method
func (m *MockInboundDeliverer) DeliverInbound(ctx context.Context, event channel.InboundEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockUpdateApplier is a mock for handler.UpdateApplier
type MockUpdateApplier struct {
	mock.Mock
}

// ApplyStatus mocks the ApplyStatus method
func (m *MockUpdateApplier) ApplyStatus(ctx context.Context, payload model.MessageStatusPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

// ApplyContactUpdate mocks the ApplyContactUpdate method
func (m *MockUpdateApplier) ApplyContactUpdate(ctx context.Context, payload model.ContactUpdatePayload) (*model.Contact, error) {
	args := m.Called(ctx, payload)
	contact, _ := args.Get(0).(*model.Contact)
	return contact, args.Error(1)
}
