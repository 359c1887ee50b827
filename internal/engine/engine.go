// Package engine wires the synchronizer, rule engine, actions and responder into the
// per-conversation processing pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/channel"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/conversation"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/synchronizer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// Ingester is the synchronizer surface used by the engine.
type Ingester interface {
	Ingest(ctx context.Context, target model.ConversationTarget, raw []model.ProviderMessage) (*synchronizer.IngestResult, error)
	Backfill(ctx context.Context, target model.ConversationTarget, raw []model.ProviderMessage) (*synchronizer.IngestResult, error)
	ApplyStatus(ctx context.Context, payload model.MessageStatusPayload) error
	ApplyContactUpdate(ctx context.Context, payload model.ContactUpdatePayload) (*model.Contact, error)
}

// Evaluator picks the action for an inbound message.
type Evaluator interface {
	Evaluate(ctx context.Context, in model.InboundContext) (*model.Action, error)
}

// ActionExecutor carries out a selected action.
type ActionExecutor interface {
	Execute(ctx context.Context, action model.Action, in model.InboundContext) error
}

// Responder answers an inbound message with a generated reply.
type Responder interface {
	Respond(ctx context.Context, target model.ConversationTarget, userMessage model.Message) (*model.Message, error)
}

// Fetcher reads recent history from the channel.
type Fetcher interface {
	FetchRecent(ctx context.Context, phone string, limit int) ([]model.ProviderMessage, error)
}

// Partitioner runs fn on the serial queue of key.
type Partitioner interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Store is the read surface the engine needs to route conversation operations.
type Store interface {
	storage.ContactRepo
	storage.ConversationRepo
	storage.MessageRepo
}

// Options configures an Engine.
type Options struct {
	// AutoReply answers inbound messages no rule matched.
	AutoReply bool
}

// Engine processes channel events and conversation commands. Work for one contact
// always runs on that contact's dispatcher partition.
type Engine struct {
	store         Store
	ingester      Ingester
	rules         Evaluator
	actions       ActionExecutor
	responder     Responder
	conversations *conversation.Service
	fetcher       Fetcher
	partitions    Partitioner
	opts          Options
	log           *zap.Logger
}

// Deps bundles the collaborators of an Engine.
type Deps struct {
	Store         Store
	Ingester      Ingester
	Rules         Evaluator
	Actions       ActionExecutor
	Responder     Responder
	Conversations *conversation.Service
	Fetcher       Fetcher
	Partitions    Partitioner
}

func New(deps Deps, opts Options, log *zap.Logger) *Engine {
	return &Engine{
		store:         deps.Store,
		ingester:      deps.Ingester,
		rules:         deps.Rules,
		actions:       deps.Actions,
		responder:     deps.Responder,
		conversations: deps.Conversations,
		fetcher:       deps.Fetcher,
		partitions:    deps.Partitions,
		opts:          opts,
		log:           log.Named("engine"),
	}
}

// PartitionKey is the dispatcher key of a contact.
func PartitionKey(phone string) string {
	return model.NormalizePhone(phone)
}

// HandleInbound ingests an event and runs automation for each newly stored inbound
// message, in order. Historical events are only backfilled: they neither reopen the
// conversation nor run automation. The caller must already run on the partition of
// event.Target.
//
// Only ingestion failures are returned; rule, action and reply failures are logged
// and never fail the event, so a redelivery cannot repeat side effects.
func (e *Engine) HandleInbound(ctx context.Context, event channel.InboundEvent) error {
	_, err := e.handleInbound(ctx, event)
	return err
}

func (e *Engine) handleInbound(ctx context.Context, event channel.InboundEvent) (*synchronizer.IngestResult, error) {
	if event.Historical {
		return e.ingester.Backfill(ctx, event.Target, event.Messages)
	}
	res, ingestErr := e.ingester.Ingest(ctx, event.Target, event.Messages)
	if res == nil {
		return nil, ingestErr
	}

	log := logger.FromContextOr(ctx, e.log).With(zap.String("conversation_id", res.Conversation.ID))
	target := model.ConversationTarget{Phone: res.Contact.Phone, Name: res.Contact.Name}
	previous := res.PreviousLastMessageAt
	hadInbound := res.HadInbound

	for _, msg := range res.Added {
		in := model.InboundContext{
			Target:             target,
			Message:            msg,
			PreviousActivityAt: previous,
			FirstInbound:       !hadInbound,
		}
		if msg.Timestamp.After(previous) {
			previous = msg.Timestamp
		}
		if msg.Direction != model.DirectionInbound {
			continue
		}
		hadInbound = true

		conv, err := e.currentConversation(ctx, res)
		if err != nil {
			log.Error("Failed to reload conversation before automation", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		in.Conversation = *conv
		e.automate(ctx, log, in)
	}
	return res, ingestErr
}

// currentConversation returns the conversation automation should see. Earlier actions
// may have changed the stored row, so it is reloaded, unless the ingest could not
// write its own changes back; then the ingest's view is the accurate one.
func (e *Engine) currentConversation(ctx context.Context, res *synchronizer.IngestResult) (*model.Conversation, error) {
	if res.ConversationStale {
		conv := res.Conversation.Clone()
		return &conv, nil
	}
	return e.store.FindConversationByID(ctx, res.Conversation.ID)
}

// automate runs at most one action for the message: the first matching rule, or the
// automatic reply when no rule matched.
func (e *Engine) automate(ctx context.Context, log *zap.Logger, in model.InboundContext) {
	log = log.With(zap.String("message_id", in.Message.ID))

	action, err := e.rules.Evaluate(ctx, in)
	if err != nil {
		log.Error("Rule evaluation failed, skipping automation", zap.Error(err))
		return
	}

	if action != nil {
		if err := e.actions.Execute(ctx, *action, in); err != nil {
			log.Warn("Automation action failed",
				zap.String("rule_id", action.RuleID),
				zap.String("action", string(action.Type)),
				zap.Error(err),
			)
		}
		return
	}

	if !e.opts.AutoReply || e.responder == nil {
		return
	}
	if _, err := e.responder.Respond(ctx, in.Target, in.Message); err != nil {
		log.Warn("Automatic reply failed", zap.Error(err), zap.Bool("generation_failed", apperrors.IsGenerationFailed(err)))
	}
}

// ApplyStatus forwards a delivery status update. The caller runs on the contact's partition.
func (e *Engine) ApplyStatus(ctx context.Context, payload model.MessageStatusPayload) error {
	return e.ingester.ApplyStatus(ctx, payload)
}

// ApplyContactUpdate forwards a profile update. The caller runs on the contact's partition.
func (e *Engine) ApplyContactUpdate(ctx context.Context, payload model.ContactUpdatePayload) (*model.Contact, error) {
	return e.ingester.ApplyContactUpdate(ctx, payload)
}

// SyncContact backfills the conversation of phone from the channel's recent history.
// No automation runs for backfilled messages.
func (e *Engine) SyncContact(ctx context.Context, phone string, limit int) (*synchronizer.IngestResult, error) {
	phone = model.NormalizePhone(phone)
	if phone == "" {
		return nil, fmt.Errorf("%w: phone is required", apperrors.ErrValidation)
	}

	var res *synchronizer.IngestResult
	err := e.partitions.Do(ctx, PartitionKey(phone), func(ctx context.Context) error {
		msgs, err := e.fetcher.FetchRecent(ctx, phone, limit)
		if err != nil {
			return err
		}
		res, err = e.handleInbound(ctx, channel.InboundEvent{
			Target:     model.ConversationTarget{Phone: phone},
			Messages:   msgs,
			Historical: true,
		})
		return err
	})
	return res, err
}

// Messages returns the history of a conversation in (timestamp, id) order.
func (e *Engine) Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if _, err := e.store.FindConversationByID(ctx, conversationID); err != nil {
		return nil, err
	}
	return e.store.ListMessages(ctx, conversationID, limit)
}

func (e *Engine) Resolve(ctx context.Context, id string) (*model.Conversation, error) {
	return e.onConversation(ctx, id, e.conversations.Resolve)
}

func (e *Engine) Archive(ctx context.Context, id string) (*model.Conversation, error) {
	return e.onConversation(ctx, id, e.conversations.Archive)
}

func (e *Engine) MarkPending(ctx context.Context, id string) (*model.Conversation, error) {
	return e.onConversation(ctx, id, e.conversations.MarkPending)
}

func (e *Engine) Activate(ctx context.Context, id string) (*model.Conversation, error) {
	return e.onConversation(ctx, id, e.conversations.Activate)
}

func (e *Engine) Update(ctx context.Context, id string, patch conversation.Patch) (*model.Conversation, error) {
	return e.onConversation(ctx, id, func(ctx context.Context, id string) (*model.Conversation, error) {
		return e.conversations.Update(ctx, id, patch)
	})
}

// ExpireTransfer marks a stale transfer pending on the conversation's partition.
func (e *Engine) ExpireTransfer(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	changed := false
	_, err := e.onConversation(ctx, id, func(ctx context.Context, id string) (*model.Conversation, error) {
		var err error
		changed, err = e.conversations.ExpireTransfer(ctx, id, cutoff)
		return nil, err
	})
	return changed, err
}

// ArchiveResolved archives a conversation resolved before cutoff on its partition.
func (e *Engine) ArchiveResolved(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	changed := false
	_, err := e.onConversation(ctx, id, func(ctx context.Context, id string) (*model.Conversation, error) {
		var err error
		changed, err = e.conversations.ArchiveIfResolvedBefore(ctx, id, cutoff)
		return nil, err
	})
	return changed, err
}

// ListConversations passes a filtered listing through to the store.
func (e *Engine) ListConversations(ctx context.Context, filter model.ConversationFilter) ([]model.Conversation, error) {
	return e.store.ListConversations(ctx, filter)
}

// onConversation runs op on the partition of the conversation's contact.
func (e *Engine) onConversation(ctx context.Context, id string, op func(ctx context.Context, id string) (*model.Conversation, error)) (*model.Conversation, error) {
	key, err := e.keyOf(ctx, id)
	if err != nil {
		return nil, err
	}
	var conv *model.Conversation
	err = e.partitions.Do(ctx, key, func(ctx context.Context) error {
		var err error
		conv, err = op(ctx, id)
		return err
	})
	return conv, err
}

func (e *Engine) keyOf(ctx context.Context, conversationID string) (string, error) {
	conv, err := e.store.FindConversationByID(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if conv.Contact != nil && conv.Contact.Phone != "" {
		return PartitionKey(conv.Contact.Phone), nil
	}
	contact, err := e.store.FindContactByID(ctx, conv.ContactID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", fmt.Errorf("conversation %s has no contact: %w", conversationID, err)
		}
		return "", err
	}
	return PartitionKey(contact.Phone), nil
}
