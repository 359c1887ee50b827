package ingestion

import (
	"context"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

// RouterInterface defines the interface for an event router
type RouterInterface interface {
	// Register registers a handler and its partition key function for an event type
	Register(eventType model.EventType, handler EventHandler, key KeyFunc)

	// RegisterDefault registers a default handler for unknown event types
	RegisterDefault(handler EventHandler)

	// PartitionKey returns the dispatcher key of an event
	PartitionKey(subject string, rawEvent []byte) (string, error)

	// Route routes an event to the appropriate handler
	Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error
}

// ConsumerInterface defines the basic methods for a NATS consumer
type ConsumerInterface interface {
	// Setup ensures the JetStream stream and consumer
	Setup() error

	// Start subscribes the consumer
	Start() error

	// Stop stops the consumer
	Stop()
}

// Ensure Router implements RouterInterface
var _ RouterInterface = (*Router)(nil)

// Ensure Consumer implements ConsumerInterface
var _ ConsumerInterface = (*HistoricalConsumer)(nil)
var _ ConsumerInterface = (*RealtimeConsumer)(nil)
