package conversation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

// Notifier receives every change applied to a conversation.
type Notifier interface {
	Publish(delta model.ConversationDelta)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(delta model.ConversationDelta)

func (f NotifierFunc) Publish(delta model.ConversationDelta) { f(delta) }

type nopNotifier struct{}

func (nopNotifier) Publish(model.ConversationDelta) {}

// Patch carries the dashboard-editable attributes. Nil fields are left untouched;
// an empty sentiment clears it.
type Patch struct {
	Sentiment     *model.Sentiment `json:"sentiment,omitempty" validate:"omitempty,oneof=positive neutral negative"`
	Priority      *model.Priority  `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	AssignedAgent *string          `json:"assigned_agent,omitempty"`
}

// Service applies explicit state changes to persisted conversations.
// Callers serialize calls per conversation (see dispatcher).
type Service struct {
	store    storage.ConversationRepo
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

// NewService creates a Service. A nil notifier discards deltas.
func NewService(store storage.ConversationRepo, notifier Notifier, log *zap.Logger) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		store:    store,
		notifier: notifier,
		log:      log.Named("conversation"),
		now:      utils.Now,
	}
}

// Get returns the conversation with its contact.
func (s *Service) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return s.store.FindConversationByID(ctx, id)
}

// MarkPending moves an active conversation to pending.
func (s *Service) MarkPending(ctx context.Context, id string) (*model.Conversation, error) {
	return s.transition(ctx, id, model.StatusPending)
}

// Activate moves a pending conversation back to active.
func (s *Service) Activate(ctx context.Context, id string) (*model.Conversation, error) {
	return s.transition(ctx, id, model.StatusActive)
}

// Resolve closes the conversation from any state.
func (s *Service) Resolve(ctx context.Context, id string) (*model.Conversation, error) {
	return s.transition(ctx, id, model.StatusResolved)
}

// Archive moves a resolved conversation to archived.
func (s *Service) Archive(ctx context.Context, id string) (*model.Conversation, error) {
	return s.transition(ctx, id, model.StatusArchived)
}

func (s *Service) transition(ctx context.Context, id string, to model.ConversationStatus) (*model.Conversation, error) {
	conv, _, err := s.mutate(ctx, id, "transition_"+string(to), func(conv *model.Conversation) (bool, error) {
		return Transition(conv, to, s.now())
	})
	return conv, err
}

// Transfer assigns the conversation to agent and, when markPending is set,
// parks an active conversation as pending until the agent answers.
func (s *Service) Transfer(ctx context.Context, id, agent string, markPending bool) (*model.Conversation, error) {
	if agent == "" {
		return nil, fmt.Errorf("%w: agent is required", apperrors.ErrValidation)
	}
	conv, _, err := s.mutate(ctx, id, "transfer", func(conv *model.Conversation) (bool, error) {
		now := s.now()
		conv.AssignedAgent = agent
		conv.TransferredAt = &now
		if markPending && conv.Status == model.StatusActive {
			conv.Status = model.StatusPending
		}
		return true, nil
	})
	return conv, err
}

// AddTag adds tag to the conversation. Adding a tag already present is a no-op.
func (s *Service) AddTag(ctx context.Context, id, tag string) (*model.Conversation, error) {
	conv, _, err := s.mutate(ctx, id, "add_tag", func(conv *model.Conversation) (bool, error) {
		tags, added := model.AddTag(conv.Tags, tag)
		conv.Tags = tags
		return added, nil
	})
	return conv, err
}

// Update applies a dashboard patch.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*model.Conversation, error) {
	if err := validator.Validate(patch); err != nil {
		return nil, err
	}
	conv, _, err := s.mutate(ctx, id, "update", func(conv *model.Conversation) (bool, error) {
		changed := false
		if patch.Sentiment != nil && conv.Sentiment != *patch.Sentiment {
			conv.Sentiment = *patch.Sentiment
			changed = true
		}
		if patch.Priority != nil && conv.Priority != *patch.Priority {
			conv.Priority = *patch.Priority
			changed = true
		}
		if patch.AssignedAgent != nil && conv.AssignedAgent != *patch.AssignedAgent {
			conv.AssignedAgent = *patch.AssignedAgent
			changed = true
		}
		return changed, nil
	})
	return conv, err
}

// ExpireTransfer marks the conversation pending when it was transferred before
// cutoff and no outbound message followed the transfer. It reports whether the
// conversation changed.
func (s *Service) ExpireTransfer(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	_, changed, err := s.mutate(ctx, id, "expire_transfer", func(conv *model.Conversation) (bool, error) {
		if !TransferExpired(*conv, cutoff) {
			return false, nil
		}
		return Transition(conv, model.StatusPending, s.now())
	})
	return changed, err
}

// ArchiveIfResolvedBefore archives the conversation when it has stayed resolved since before cutoff.
func (s *Service) ArchiveIfResolvedBefore(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	_, changed, err := s.mutate(ctx, id, "archive_retention", func(conv *model.Conversation) (bool, error) {
		if conv.Status != model.StatusResolved || conv.ResolvedAt == nil || !conv.ResolvedAt.Before(cutoff) {
			return false, nil
		}
		return Transition(conv, model.StatusArchived, s.now())
	})
	return changed, err
}

// TransferExpired reports whether an active, assigned conversation has waited since
// before cutoff for the agent's first answer.
func TransferExpired(conv model.Conversation, cutoff time.Time) bool {
	if conv.Status != model.StatusActive || conv.AssignedAgent == "" || conv.TransferredAt == nil {
		return false
	}
	if !conv.TransferredAt.Before(cutoff) {
		return false
	}
	return conv.LastOutboundAt == nil || conv.LastOutboundAt.Before(*conv.TransferredAt)
}

// mutate loads the conversation, applies fn and persists and publishes the result when fn reports a change.
func (s *Service) mutate(ctx context.Context, id, op string, fn func(conv *model.Conversation) (bool, error)) (*model.Conversation, bool, error) {
	log := logger.FromContextOr(ctx, s.log).With(zap.String("conversation_id", id), zap.String("operation", op))

	conv, err := s.store.FindConversationByID(ctx, id)
	if err != nil {
		return nil, false, err
	}

	changed, err := fn(conv)
	if err != nil {
		log.Warn("Conversation change rejected", zap.String("status", string(conv.Status)), zap.Error(err))
		return conv, false, err
	}
	if !changed {
		return conv, false, nil
	}

	if err := s.store.UpdateConversation(ctx, *conv); err != nil {
		log.Error("Failed to persist conversation change", zap.Error(err))
		return nil, false, err
	}
	conv.UpdatedAt = s.now()

	log.Debug("Conversation updated", zap.String("status", string(conv.Status)))
	s.notifier.Publish(model.ConversationDelta{Conversation: conv.Clone()})
	return conv, true, nil
}
