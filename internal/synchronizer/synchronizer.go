// Package synchronizer reconciles provider-reported messages into the persisted,
// deduplicated and ordered history of each conversation.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/conversation"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

// Store is the persistence surface the synchronizer needs.
type Store interface {
	storage.ContactRepo
	storage.ConversationRepo
	storage.MessageRepo
}

// IngestResult describes what one Ingest call changed.
type IngestResult struct {
	Contact      *model.Contact
	Conversation *model.Conversation
	// Added holds the newly persisted messages in (timestamp, id) order.
	Added []model.Message
	// Created reports whether the conversation was created by this call.
	Created bool
	// PreviousLastMessageAt is lastMessageAt before this batch was applied.
	PreviousLastMessageAt time.Time
	// HadInbound reports whether an inbound message was persisted before this batch.
	HadInbound bool
	// ConversationStale reports that Conversation could not be written back, so the
	// stored row lags it until a redelivery repairs it.
	ConversationStale bool
}

// Synchronizer persists provider messages. Calls for one contact must be serialized
// by the caller; different contacts may be ingested concurrently.
type Synchronizer struct {
	store    Store
	notifier conversation.Notifier
	log      *zap.Logger
}

// New creates a Synchronizer that publishes every applied change to notifier.
func New(store Store, notifier conversation.Notifier, log *zap.Logger) *Synchronizer {
	if notifier == nil {
		notifier = conversation.NotifierFunc(func(model.ConversationDelta) {})
	}
	return &Synchronizer{store: store, notifier: notifier, log: log.Named("synchronizer")}
}

// Ingest resolves the contact and conversation of target, then persists every message
// of raw whose dedup key is not stored yet. Messages arrive live, so an inbound one
// reopens a resolved or archived conversation.
//
// Messages are inserted one by one in (timestamp, id) order. A message that is already
// stored is not inserted again, but its effect on the conversation is re-applied so a
// redelivery repairs a conversation whose earlier update failed. A message that fails
// to persist does not stop the others; the result still describes what was stored and
// the error is an *apperrors.PartialFailure naming each failed message.
func (s *Synchronizer) Ingest(ctx context.Context, target model.ConversationTarget, raw []model.ProviderMessage) (*IngestResult, error) {
	return s.ingest(ctx, target, raw, true)
}

// Backfill persists history the way Ingest does, but never reopens a conversation.
func (s *Synchronizer) Backfill(ctx context.Context, target model.ConversationTarget, raw []model.ProviderMessage) (*IngestResult, error) {
	return s.ingest(ctx, target, raw, false)
}

func (s *Synchronizer) ingest(ctx context.Context, target model.ConversationTarget, raw []model.ProviderMessage, live bool) (*IngestResult, error) {
	log := logger.FromContextOr(ctx, s.log)
	phone := model.NormalizePhone(target.Phone)
	if phone == "" {
		return nil, fmt.Errorf("%w: phone is required", apperrors.ErrValidation)
	}
	log = log.With(zap.String("phone", phone), zap.Bool("live", live))

	contact, err := s.store.EnsureContact(ctx, phone, target.Name)
	if err != nil {
		log.Error("Failed to resolve contact", zap.Error(err))
		return nil, err
	}
	conv, created, err := s.store.EnsureConversation(ctx, contact.ID)
	if err != nil {
		log.Error("Failed to resolve conversation", zap.String("contact_id", contact.ID), zap.Error(err))
		return nil, err
	}
	log = log.With(zap.String("conversation_id", conv.ID))

	hadInbound := false
	if !created {
		if hadInbound, err = s.store.HasInbound(ctx, conv.ID); err != nil {
			log.Error("Failed to check inbound history", zap.Error(err))
			return nil, err
		}
	}

	result := &IngestResult{
		Contact:               contact,
		Conversation:          conv,
		Created:               created,
		PreviousLastMessageAt: conv.LastMessageAt,
		HadInbound:            hadInbound,
	}

	messages := make([]model.Message, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, pm := range raw {
		msg := pm.ToMessage(conv.ID)
		if _, dup := seen[msg.DedupKey]; dup {
			continue
		}
		seen[msg.DedupKey] = struct{}{}
		messages = append(messages, msg)
	}
	sort.SliceStable(messages, func(i, j int) bool { return model.MessageLess(messages[i], messages[j]) })

	var failures []*apperrors.PersistenceFailure
	skipped := 0
	changed := false
	for _, msg := range messages {
		err := s.store.InsertMessageIfAbsent(ctx, msg)
		switch {
		case err == nil:
			result.Added = append(result.Added, msg)
			if msg.Direction == model.DirectionOutbound {
				changed = conversation.ApplyOutbound(conv, msg.Timestamp) || changed
			} else {
				changed = conversation.ApplyInbound(conv, msg.Timestamp, live) || changed
			}
		case apperrors.IsDedupConflict(err):
			skipped++
			changed = s.replay(ctx, log, conv, msg, live) || changed
		default:
			log.Warn("Failed to persist message",
				zap.String("message_id", msg.ID),
				zap.String("dedup_key", msg.DedupKey),
				zap.Error(err),
			)
			failures = append(failures, &apperrors.PersistenceFailure{Key: msg.DedupKey, Err: err})
		}
	}

	if changed {
		if err := s.store.UpdateConversation(ctx, *conv); err != nil {
			log.Error("Failed to update conversation after ingest", zap.Error(err))
			failures = append(failures, &apperrors.PersistenceFailure{Key: "conversation:" + conv.ID, Err: err})
			result.ConversationStale = true
		} else {
			conv.UpdatedAt = utils.Now()
		}
	}

	recordOutcome(result.Added, skipped, len(failures))
	if len(result.Added) > 0 || created || (changed && !result.ConversationStale) {
		s.notifier.Publish(model.ConversationDelta{
			Conversation:  conv.Clone(),
			AddedMessages: append([]model.Message(nil), result.Added...),
		})
	}

	log.Debug("Ingested provider messages",
		zap.Int("received", len(raw)),
		zap.Int("added", len(result.Added)),
		zap.Int("skipped", skipped),
		zap.Int("failed", len(failures)),
	)

	if len(failures) > 0 {
		return result, &apperrors.PartialFailure{Failures: failures}
	}
	return result, nil
}

// replay re-applies a message that was already stored. Timestamps only move forward,
// so this is a no-op unless an earlier update of conv was lost. A live inbound message
// persisted after the conversation was resolved also restores the reopen it should
// have caused.
func (s *Synchronizer) replay(ctx context.Context, log *zap.Logger, conv *model.Conversation, msg model.Message, live bool) bool {
	changed := conversation.ReplayActivity(conv, msg.Direction, msg.Timestamp)
	if !live || msg.Direction != model.DirectionInbound || !conversation.IsClosed(conv) {
		return changed
	}

	stored, err := s.store.FindMessageByDedupKey(ctx, conv.ID, msg.DedupKey)
	if err != nil {
		log.Warn("Failed to load stored message for replay", zap.String("dedup_key", msg.DedupKey), zap.Error(err))
		return changed
	}
	if conv.ResolvedAt != nil && !stored.CreatedAt.After(*conv.ResolvedAt) {
		return changed
	}
	return conversation.ApplyInbound(conv, msg.Timestamp, true) || changed
}

// ApplyStatus advances the delivery status of a stored message. Unknown contacts,
// conversations or messages and status regressions are ignored.
func (s *Synchronizer) ApplyStatus(ctx context.Context, payload model.MessageStatusPayload) error {
	log := logger.FromContextOr(ctx, s.log).With(
		zap.String("provider_message_id", payload.ProviderMessageID),
		zap.String("status", string(payload.Status)),
	)

	conv, err := s.findConversationByPhone(ctx, payload.Phone)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			log.Debug("Status update for unknown conversation ignored")
			return nil
		}
		return err
	}

	msg, applied, err := s.store.UpdateMessageStatus(ctx, conv.ID, payload.ProviderMessageID, payload.Status)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			log.Debug("Status update for unknown message ignored")
			return nil
		}
		log.Error("Failed to update message status", zap.Error(err))
		return err
	}
	if !applied {
		log.Debug("Status regression ignored", zap.String("current", string(msg.Status)))
		return nil
	}

	s.notifier.Publish(model.ConversationDelta{
		Conversation:    conv.Clone(),
		UpdatedMessages: []model.Message{*msg},
	})
	return nil
}

// ApplyContactUpdate merges a profile or presence update into the contact with that phone,
// creating the contact when it is unknown.
func (s *Synchronizer) ApplyContactUpdate(ctx context.Context, payload model.ContactUpdatePayload) (*model.Contact, error) {
	log := logger.FromContextOr(ctx, s.log)
	phone := model.NormalizePhone(payload.Phone)

	name := ""
	if payload.Name != nil {
		name = *payload.Name
	}
	contact, err := s.store.EnsureContact(ctx, phone, name)
	if err != nil {
		log.Error("Failed to resolve contact for update", zap.String("phone", phone), zap.Error(err))
		return nil, err
	}

	if payload.Name != nil {
		contact.Name = *payload.Name
	}
	if payload.IsOnline != nil {
		contact.IsOnline = *payload.IsOnline
	}
	for _, tag := range payload.Tags {
		contact.Tags, _ = model.AddTag(contact.Tags, tag)
	}
	if len(payload.Metadata) > 0 {
		if contact.Metadata == nil {
			contact.Metadata = make(map[string]interface{}, len(payload.Metadata))
		}
		for k, v := range payload.Metadata {
			contact.Metadata[k] = v
		}
	}

	if err := s.store.SaveContact(ctx, *contact); err != nil {
		log.Error("Failed to save contact", zap.String("phone", phone), zap.Error(err))
		return nil, err
	}

	conv, err := s.store.FindConversationByContactID(ctx, contact.ID)
	switch {
	case err == nil:
		conv.Contact = contact
		s.notifier.Publish(model.ConversationDelta{Conversation: conv.Clone()})
	case !apperrors.IsNotFoundError(err):
		log.Warn("Contact saved but conversation lookup failed", zap.String("contact_id", contact.ID), zap.Error(err))
	}
	return contact, nil
}

// Conversation returns the conversation of the contact with phone.
func (s *Synchronizer) Conversation(ctx context.Context, phone string) (*model.Conversation, error) {
	return s.findConversationByPhone(ctx, phone)
}

func (s *Synchronizer) findConversationByPhone(ctx context.Context, phone string) (*model.Conversation, error) {
	contact, err := s.store.FindContactByPhone(ctx, model.NormalizePhone(phone))
	if err != nil {
		return nil, err
	}
	conv, err := s.store.FindConversationByContactID(ctx, contact.ID)
	if err != nil {
		return nil, err
	}
	if conv.Contact == nil {
		conv.Contact = contact
	}
	return conv, nil
}

func recordOutcome(added []model.Message, skipped, failed int) {
	var inbound, outbound int
	for _, m := range added {
		if m.Direction == model.DirectionOutbound {
			outbound++
		} else {
			inbound++
		}
	}
	observer.AddMessagesIngested(string(model.DirectionInbound), "added", inbound)
	observer.AddMessagesIngested(string(model.DirectionOutbound), "added", outbound)
	observer.AddMessagesIngested("any", "skipped", skipped)
	observer.AddMessagesIngested("any", "failed", failed)
}

// IsPartialFailure reports whether err is a batch with per-message failures.
func IsPartialFailure(err error) bool {
	var pf *apperrors.PartialFailure
	return errors.As(err, &pf)
}
