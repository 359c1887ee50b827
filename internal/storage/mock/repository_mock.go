package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage"
)

var _ storage.ConversationStore = (*StoreMock)(nil)

// StoreMock mocks storage.ConversationStore.
type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) EnsureContact(ctx context.Context, phone, name string) (*model.Contact, error) {
	args := m.Called(ctx, phone, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Contact), args.Error(1)
}

func (m *StoreMock) FindContactByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Contact), args.Error(1)
}

func (m *StoreMock) FindContactByID(ctx context.Context, id string) (*model.Contact, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Contact), args.Error(1)
}

func (m *StoreMock) SaveContact(ctx context.Context, contact model.Contact) error {
	args := m.Called(ctx, contact)
	return args.Error(0)
}

func (m *StoreMock) EnsureConversation(ctx context.Context, contactID string) (*model.Conversation, bool, error) {
	args := m.Called(ctx, contactID)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Conversation), args.Bool(1), args.Error(2)
}

func (m *StoreMock) FindConversationByID(ctx context.Context, id string) (*model.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Conversation), args.Error(1)
}

func (m *StoreMock) FindConversationByContactID(ctx context.Context, contactID string) (*model.Conversation, error) {
	args := m.Called(ctx, contactID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Conversation), args.Error(1)
}

func (m *StoreMock) UpdateConversation(ctx context.Context, conv model.Conversation) error {
	args := m.Called(ctx, conv)
	return args.Error(0)
}

func (m *StoreMock) ListConversations(ctx context.Context, filter model.ConversationFilter) ([]model.Conversation, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Conversation), args.Error(1)
}

func (m *StoreMock) InsertMessageIfAbsent(ctx context.Context, msg model.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *StoreMock) FindMessageByDedupKey(ctx context.Context, conversationID, dedupKey string) (*model.Message, error) {
	args := m.Called(ctx, conversationID, dedupKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *StoreMock) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	args := m.Called(ctx, conversationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

func (m *StoreMock) HasInbound(ctx context.Context, conversationID string) (bool, error) {
	args := m.Called(ctx, conversationID)
	return args.Bool(0), args.Error(1)
}

func (m *StoreMock) UpdateMessageStatus(ctx context.Context, conversationID, providerMessageID string, status model.MessageStatus) (*model.Message, bool, error) {
	args := m.Called(ctx, conversationID, providerMessageID, status)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Message), args.Bool(1), args.Error(2)
}

func (m *StoreMock) SaveKnowledge(ctx context.Context, entry model.KnowledgeEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *StoreMock) FindKnowledgeByID(ctx context.Context, id string) (*model.KnowledgeEntry, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.KnowledgeEntry), args.Error(1)
}

func (m *StoreMock) ListKnowledge(ctx context.Context, activeOnly bool) ([]model.KnowledgeEntry, error) {
	args := m.Called(ctx, activeOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.KnowledgeEntry), args.Error(1)
}

func (m *StoreMock) DeleteKnowledge(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *StoreMock) SaveRule(ctx context.Context, rule model.AutomationRule) error {
	args := m.Called(ctx, rule)
	return args.Error(0)
}

func (m *StoreMock) FindRuleByID(ctx context.Context, id string) (*model.AutomationRule, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AutomationRule), args.Error(1)
}

func (m *StoreMock) ListRules(ctx context.Context, activeOnly bool) ([]model.AutomationRule, error) {
	args := m.Called(ctx, activeOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.AutomationRule), args.Error(1)
}

func (m *StoreMock) DeleteRule(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *StoreMock) SaveExhaustedEvent(ctx context.Context, event model.ExhaustedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *StoreMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
