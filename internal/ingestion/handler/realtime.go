package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/channel"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// RealtimeHandler processes live gateway events: provider messages, delivery status
// and contact profile updates.
type RealtimeHandler struct {
	inbound InboundDeliverer
	updates UpdateApplier
}

// NewRealtimeHandler creates a new realtime event handler
func NewRealtimeHandler(inbound InboundDeliverer, updates UpdateApplier) *RealtimeHandler {
	return &RealtimeHandler{
		inbound: inbound,
		updates: updates,
	}
}

// PartitionKey reads only the phone of the event.
func (h *RealtimeHandler) PartitionKey(eventType model.EventType, rawEvent []byte) (string, error) {
	var probe struct {
		Phone   string `json:"phone"`
		Contact struct {
			Phone string `json:"phone"`
		} `json:"contact"`
	}
	if err := json.Unmarshal(rawEvent, &probe); err != nil {
		return "", apperrors.NewFatal(err, "failed to read partition key of %s", eventType)
	}
	if eventType == model.V1MessagesUpsert {
		return keyOf(probe.Contact.Phone, eventType)
	}
	return keyOf(probe.Phone, eventType)
}

// HandleEvent processes realtime events
func (h *RealtimeHandler) HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
	ctx = tenant.WithRequestID(ctx, uuid.NewString())

	log := logger.FromContext(ctx)
	log.Debug("Processing realtime event", zap.String("type", string(eventType)))

	switch eventType {
	case model.V1MessagesUpsert:
		return h.handleMessagesUpsert(ctx, metadata, rawEvent)
	case model.V1MessagesUpdate:
		return h.handleMessageStatus(ctx, metadata, rawEvent)
	case model.V1ContactsUpsert, model.V1ContactsUpdate:
		return h.handleContactUpdate(ctx, metadata, rawEvent)
	default:
		log.Error("Unsupported realtime event type", zap.String("eventType", string(eventType)))
		return apperrors.NewFatal(fmt.Errorf("unsupported realtime event type: %s", eventType), "unsupported realtime event type")
	}
}

func (h *RealtimeHandler) handleMessagesUpsert(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	log := logger.FromContext(ctx)

	var payload model.InboundMessagesPayload
	if err := decode(rawEvent, &payload, "message upsert"); err != nil {
		log.Error("Rejected message upsert payload", zap.Error(err))
		return err
	}
	if payload.CompanyID == "" {
		payload.CompanyID = metadata.CompanyID
	}

	log.Info("Processing message upsert",
		zap.Int("count", len(payload.Messages)),
		zap.String("nats_message_id", metadata.MessageID))
	return classify(h.inbound.DeliverInbound(ctx, channel.InboundEvent{
		Target:   payload.Contact,
		Messages: payload.Messages,
	}), "message upsert")
}

func (h *RealtimeHandler) handleMessageStatus(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	log := logger.FromContext(ctx)

	var payload model.MessageStatusPayload
	if err := decode(rawEvent, &payload, "message status"); err != nil {
		log.Error("Rejected message status payload", zap.Error(err))
		return err
	}
	if payload.CompanyID == "" {
		payload.CompanyID = metadata.CompanyID
	}

	log.Info("Processing message status",
		zap.String("provider_message_id", payload.ProviderMessageID),
		zap.String("status", string(payload.Status)))
	return classify(h.updates.ApplyStatus(ctx, payload), "message status")
}

func (h *RealtimeHandler) handleContactUpdate(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	log := logger.FromContext(ctx)

	var payload model.ContactUpdatePayload
	if err := decode(rawEvent, &payload, "contact update"); err != nil {
		log.Error("Rejected contact update payload", zap.Error(err))
		return err
	}
	if payload.CompanyID == "" {
		payload.CompanyID = metadata.CompanyID
	}

	log.Info("Processing contact update", zap.String("phone_number", payload.Phone))
	_, err := h.updates.ApplyContactUpdate(ctx, payload)
	return classify(err, "contact update")
}
