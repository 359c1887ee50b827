package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/channel"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// HistoricalHandler processes backfilled message batches. No automation runs for them.
type HistoricalHandler struct {
	inbound InboundDeliverer
}

// NewHistoricalHandler creates a new historical event handler
func NewHistoricalHandler(inbound InboundDeliverer) *HistoricalHandler {
	return &HistoricalHandler{inbound: inbound}
}

func (h *HistoricalHandler) PartitionKey(eventType model.EventType, rawEvent []byte) (string, error) {
	var probe struct {
		Contact struct {
			Phone string `json:"phone"`
		} `json:"contact"`
	}
	if err := json.Unmarshal(rawEvent, &probe); err != nil {
		return "", apperrors.NewFatal(err, "failed to read partition key of %s", eventType)
	}
	return keyOf(probe.Contact.Phone, eventType)
}

// HandleEvent processes historical events
func (h *HistoricalHandler) HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
	log := logger.FromContext(ctx)

	if eventType != model.V1HistoricalMessages {
		log.Error("Unsupported historical event type", zap.String("eventType", string(eventType)))
		return apperrors.NewFatal(fmt.Errorf("unsupported historical event type: %s", eventType), "unsupported historical event type")
	}

	var payload model.InboundMessagesPayload
	if err := json.Unmarshal(rawEvent, &payload); err != nil {
		log.Error("Failed to unmarshal historical messages payload", zap.Error(err))
		return apperrors.NewFatal(err, "failed to unmarshal historical messages payload")
	}
	if len(payload.Messages) == 0 {
		log.Warn("No messages in history payload")
		return nil
	}
	if err := validator.Validate(&payload); err != nil {
		log.Error("Rejected historical messages payload", zap.Error(err))
		return apperrors.NewFatal(err, "invalid historical messages payload")
	}

	log.Info("Processing historical messages",
		zap.Int("count", len(payload.Messages)),
		zap.String("nats_message_id", metadata.MessageID))
	return classify(h.inbound.DeliverInbound(ctx, channel.InboundEvent{
		Target:     payload.Contact,
		Messages:   payload.Messages,
		Historical: true,
	}), "historical messages")
}
