package storage

import (
	"context"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

// ContactRepo persists contacts, keyed by phone.
type ContactRepo interface {
	// EnsureContact returns the contact for phone, creating it when absent.
	EnsureContact(ctx context.Context, phone, name string) (*model.Contact, error)
	FindContactByPhone(ctx context.Context, phone string) (*model.Contact, error)
	FindContactByID(ctx context.Context, id string) (*model.Contact, error)
	// SaveContact upserts the profile fields of a contact by phone.
	SaveContact(ctx context.Context, contact model.Contact) error
}

// ConversationRepo persists conversations, one per contact.
type ConversationRepo interface {
	// EnsureConversation returns the conversation of contactID, creating an active one when absent.
	// The boolean reports whether it was created by this call.
	EnsureConversation(ctx context.Context, contactID string) (*model.Conversation, bool, error)
	FindConversationByID(ctx context.Context, id string) (*model.Conversation, error)
	FindConversationByContactID(ctx context.Context, contactID string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, conv model.Conversation) error
	ListConversations(ctx context.Context, filter model.ConversationFilter) ([]model.Conversation, error)
}

// MessageRepo persists messages. Inserts are compare-and-insert on (conversation_id, dedup_key).
type MessageRepo interface {
	// InsertMessageIfAbsent stores msg unless its dedup key already exists, in which case
	// it returns apperrors.ErrDedupConflict.
	InsertMessageIfAbsent(ctx context.Context, msg model.Message) error
	// FindMessageByDedupKey returns the stored message holding dedupKey.
	FindMessageByDedupKey(ctx context.Context, conversationID, dedupKey string) (*model.Message, error)
	// ListMessages returns up to limit messages in (timestamp, id) order; limit <= 0 means all.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	HasInbound(ctx context.Context, conversationID string) (bool, error)
	// UpdateMessageStatus advances the delivery status of a message. It returns the
	// message and false when the transition would regress the status.
	UpdateMessageStatus(ctx context.Context, conversationID, providerMessageID string, status model.MessageStatus) (*model.Message, bool, error)
}

// KnowledgeRepo persists knowledge entries.
type KnowledgeRepo interface {
	SaveKnowledge(ctx context.Context, entry model.KnowledgeEntry) error
	FindKnowledgeByID(ctx context.Context, id string) (*model.KnowledgeEntry, error)
	ListKnowledge(ctx context.Context, activeOnly bool) ([]model.KnowledgeEntry, error)
	DeleteKnowledge(ctx context.Context, id string) error
}

// RuleRepo persists automation rules.
type RuleRepo interface {
	SaveRule(ctx context.Context, rule model.AutomationRule) error
	FindRuleByID(ctx context.Context, id string) (*model.AutomationRule, error)
	// ListRules returns rules in (ordinal, id) order.
	ListRules(ctx context.Context, activeOnly bool) ([]model.AutomationRule, error)
	DeleteRule(ctx context.Context, id string) error
}

// ExhaustedEventRepo defines exhausted event storage operations
type ExhaustedEventRepo interface {
	SaveExhaustedEvent(ctx context.Context, event model.ExhaustedEvent) error
}

// ConversationStore is the complete persistence surface used by the engine.
type ConversationStore interface {
	ContactRepo
	ConversationRepo
	MessageRepo
	KnowledgeRepo
	RuleRepo
	ExhaustedEventRepo
	Close(ctx context.Context) error
}
