package ingestion

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ingestion/handler"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// EventHandler defines a function that processes events
type EventHandler func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error

// KeyFunc extracts the dispatcher partition key from a raw event.
type KeyFunc func(eventType model.EventType, rawEvent []byte) (string, error)

type route struct {
	handle EventHandler
	key    KeyFunc
}

// Router routes events to the appropriate handler based on event type
type Router struct {
	routes map[model.EventType]route
	// Default handler for unknown event types
	defaultHandler EventHandler
}

// NewRouter creates a new event router
func NewRouter() *Router {
	return &Router{
		routes: make(map[model.EventType]route),
	}
}

// Register registers a handler and its partition key function for an event type.
// A nil key runs every event of the type on one shared partition.
func (r *Router) Register(eventType model.EventType, handler EventHandler, key KeyFunc) {
	r.routes[eventType] = route{handle: handler, key: key}
}

// RegisterHandler registers h for each of the event types.
func (r *Router) RegisterHandler(h handler.EventHandlerInterface, eventTypes ...model.EventType) {
	for _, et := range eventTypes {
		r.Register(et, h.HandleEvent, h.PartitionKey)
	}
}

// RegisterDefault registers a default handler for unknown event types
func (r *Router) RegisterDefault(handler EventHandler) {
	r.defaultHandler = handler
}

// PartitionKey returns the dispatcher key of the event published on subject. Events
// without a key function share the partition named after their event type.
func (r *Router) PartitionKey(subject string, rawEvent []byte) (string, error) {
	eventType, _ := model.MapToBaseEventType(subject)
	rt, ok := r.routes[eventType]
	if !ok || rt.key == nil {
		return "event:" + string(eventType), nil
	}
	return rt.key(eventType, rawEvent)
}

// Route routes an event to the appropriate handler
func (r *Router) Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	log := logger.FromContext(ctx).With(
		zap.String("event_type", metadata.MessageSubject),
		zap.String("event_id", metadata.MessageID),
		zap.String("company_id", metadata.CompanyID),
	)
	ctx = logger.WithLogger(ctx, log)

	if metadata.CompanyID != "" {
		ctx = tenant.WithCompanyID(ctx, metadata.CompanyID)
	}

	eventType, found := model.MapToBaseEventType(metadata.MessageSubject)
	if !found {
		// eventType stays empty and falls through to the default handler.
		log.Warn("Could not map subject to a known base event type", zap.String("subject", metadata.MessageSubject))
	}

	log.Debug("Event received",
		zap.Int("payload_bytes", len(rawEvent)),
		zap.String("version", eventType.GetVersion()),
		zap.String("base_type", string(eventType.GetBaseType())),
	)

	rt, ok := r.routes[eventType]
	if !ok && r.defaultHandler != nil {
		log.Warn("No specific handler for event type, using default")
		return r.defaultHandler(ctx, eventType, metadata, rawEvent)
	} else if !ok {
		log.Error("No handler registered for event type")
		return nil
	}

	return rt.handle(ctx, eventType, metadata, rawEvent)
}
