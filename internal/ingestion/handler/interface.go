package handler

import (
	"context"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/channel"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

// EventHandlerInterface defines the common interface for event handlers
type EventHandlerInterface interface {
	// HandleEvent processes an event. It runs on the partition returned by PartitionKey.
	HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error

	// PartitionKey returns the dispatcher key (normalized contact phone) of an event.
	PartitionKey(eventType model.EventType, rawEvent []byte) (string, error)
}

// InboundDeliverer hands decoded message batches to the channel's inbound callback.
type InboundDeliverer interface {
	DeliverInbound(ctx context.Context, event channel.InboundEvent) error
}

// UpdateApplier applies delivery status and contact profile updates.
type UpdateApplier interface {
	ApplyStatus(ctx context.Context, payload model.MessageStatusPayload) error
	ApplyContactUpdate(ctx context.Context, payload model.ContactUpdatePayload) (*model.Contact, error)
}

// Ensure the handlers implement the interfaces
var _ EventHandlerInterface = (*HistoricalHandler)(nil)
var _ EventHandlerInterface = (*RealtimeHandler)(nil)
