package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

// MemoryStore is a process-local ConversationStore for development runs and tests.
// Returned values are copies; callers never alias stored rows.
type MemoryStore struct {
	mu sync.RWMutex

	contacts        map[string]*model.Contact // by id
	contactsByPhone map[string]string
	conversations   map[string]*model.Conversation // by id
	convByContact   map[string]string
	messages        map[string][]model.Message // by conversation id
	dedup           map[string]struct{}        // conversation id + "/" + dedup key
	knowledge       map[string]model.KnowledgeEntry
	rules           map[string]model.AutomationRule
	exhausted       []model.ExhaustedEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts:        make(map[string]*model.Contact),
		contactsByPhone: make(map[string]string),
		conversations:   make(map[string]*model.Conversation),
		convByContact:   make(map[string]string),
		messages:        make(map[string][]model.Message),
		dedup:           make(map[string]struct{}),
		knowledge:       make(map[string]model.KnowledgeEntry),
		rules:           make(map[string]model.AutomationRule),
	}
}

func copyContact(c *model.Contact) *model.Contact {
	out := *c
	if c.Tags != nil {
		out.Tags = append(datatypes.JSONSlice[string]{}, c.Tags...)
	}
	if c.Metadata != nil {
		out.Metadata = make(datatypes.JSONMap, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (s *MemoryStore) EnsureContact(_ context.Context, phone, name string) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.contactsByPhone[phone]; ok {
		return copyContact(s.contacts[id]), nil
	}
	now := utils.Now()
	c := &model.Contact{
		ID:        uuid.NewString(),
		Phone:     phone,
		Name:      name,
		Tags:      datatypes.JSONSlice[string]{},
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.contacts[c.ID] = c
	s.contactsByPhone[phone] = c.ID
	return copyContact(c), nil
}

func (s *MemoryStore) FindContactByPhone(_ context.Context, phone string) (*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.contactsByPhone[phone]
	if !ok {
		return nil, fmt.Errorf("%w: contact %s", apperrors.ErrNotFound, phone)
	}
	return copyContact(s.contacts[id]), nil
}

func (s *MemoryStore) FindContactByID(_ context.Context, id string) (*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: contact %s", apperrors.ErrNotFound, id)
	}
	return copyContact(c), nil
}

func (s *MemoryStore) SaveContact(_ context.Context, contact model.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := utils.Now()
	if id, ok := s.contactsByPhone[contact.Phone]; ok {
		existing := s.contacts[id]
		existing.Name = contact.Name
		existing.IsOnline = contact.IsOnline
		existing.Tags = contact.Tags
		existing.Metadata = contact.Metadata
		existing.UpdatedAt = now
		return nil
	}
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	contact.CreatedAt, contact.UpdatedAt = now, now
	s.contacts[contact.ID] = copyContact(&contact)
	s.contactsByPhone[contact.Phone] = contact.ID
	return nil
}

// conversationView returns a detached copy with its contact attached. Caller holds the lock.
func (s *MemoryStore) conversationView(conv *model.Conversation) *model.Conversation {
	out := conv.Clone()
	if c, ok := s.contacts[conv.ContactID]; ok {
		out.Contact = copyContact(c)
	}
	return &out
}

func (s *MemoryStore) EnsureConversation(_ context.Context, contactID string) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[contactID]; !ok {
		return nil, false, fmt.Errorf("%w: unknown contact %s", apperrors.ErrBadRequest, contactID)
	}
	if id, ok := s.convByContact[contactID]; ok {
		return s.conversationView(s.conversations[id]), false, nil
	}
	now := utils.Now()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Status:    model.StatusActive,
		Priority:  model.PriorityMedium,
		Tags:      datatypes.JSONSlice[string]{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	s.convByContact[contactID] = conv.ID
	return s.conversationView(conv), true, nil
}

func (s *MemoryStore) FindConversationByID(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", apperrors.ErrNotFound, id)
	}
	return s.conversationView(conv), nil
}

func (s *MemoryStore) FindConversationByContactID(_ context.Context, contactID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.convByContact[contactID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation for contact %s", apperrors.ErrNotFound, contactID)
	}
	return s.conversationView(s.conversations[id]), nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, conv model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conversations[conv.ID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", apperrors.ErrNotFound, conv.ID)
	}
	updated := conv.Clone()
	updated.ContactID = existing.ContactID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = utils.Now()
	updated.Contact = nil
	s.conversations[conv.ID] = &updated
	return nil
}

func (s *MemoryStore) ListConversations(_ context.Context, filter model.ConversationFilter) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		if !matchesFilter(conv, filter) {
			continue
		}
		out = append(out, *s.conversationView(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(conv *model.Conversation, filter model.ConversationFilter) bool {
	if filter.Status != "" && conv.Status != filter.Status {
		return false
	}
	if filter.AssignedOnly && conv.AssignedAgent == "" {
		return false
	}
	if filter.TransferredBefore != nil {
		if conv.TransferredAt == nil || !conv.TransferredAt.Before(*filter.TransferredBefore) {
			return false
		}
		if conv.LastOutboundAt != nil && !conv.LastOutboundAt.Before(*conv.TransferredAt) {
			return false
		}
	}
	if filter.ResolvedBefore != nil {
		if conv.ResolvedAt == nil || !conv.ResolvedAt.Before(*filter.ResolvedBefore) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) InsertMessageIfAbsent(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("%w: unknown conversation %s", apperrors.ErrBadRequest, msg.ConversationID)
	}
	key := msg.ConversationID + "/" + msg.DedupKey
	if _, ok := s.dedup[key]; ok {
		return apperrors.ErrDedupConflict
	}
	now := utils.Now()
	msg.CreatedAt, msg.UpdatedAt = now, now
	s.dedup[key] = struct{}{}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *MemoryStore) FindMessageByDedupKey(_ context.Context, conversationID, dedupKey string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[conversationID] {
		if m.DedupKey == dedupKey {
			out := m
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: message %s", apperrors.ErrNotFound, dedupKey)
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := append([]model.Message(nil), s.messages[conversationID]...)
	sort.Slice(msgs, func(i, j int) bool { return model.MessageLess(msgs[i], msgs[j]) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *MemoryStore) HasInbound(_ context.Context, conversationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[conversationID] {
		if m.Direction == model.DirectionInbound {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, conversationID, providerMessageID string, status model.MessageStatus) (*model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].ProviderMessageID == nil || *msgs[i].ProviderMessageID != providerMessageID {
			continue
		}
		if !msgs[i].Status.CanTransitionTo(status) {
			out := msgs[i]
			return &out, false, nil
		}
		msgs[i].Status = status
		msgs[i].UpdatedAt = utils.Now()
		out := msgs[i]
		return &out, true, nil
	}
	return nil, false, fmt.Errorf("%w: message %s", apperrors.ErrNotFound, providerMessageID)
}

func (s *MemoryStore) SaveKnowledge(_ context.Context, entry model.KnowledgeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := utils.Now()
	if existing, ok := s.knowledge[entry.ID]; ok {
		entry.CreatedAt = existing.CreatedAt
	} else if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = now
	}
	s.knowledge[entry.ID] = entry
	return nil
}

func (s *MemoryStore) FindKnowledgeByID(_ context.Context, id string) (*model.KnowledgeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.knowledge[id]
	if !ok {
		return nil, fmt.Errorf("%w: knowledge entry %s", apperrors.ErrNotFound, id)
	}
	return &entry, nil
}

func (s *MemoryStore) ListKnowledge(_ context.Context, activeOnly bool) ([]model.KnowledgeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.KnowledgeEntry, 0, len(s.knowledge))
	for _, e := range s.knowledge {
		if activeOnly && !e.IsActive {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteKnowledge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.knowledge[id]; !ok {
		return fmt.Errorf("%w: knowledge entry %s", apperrors.ErrNotFound, id)
	}
	delete(s.knowledge, id)
	return nil
}

func (s *MemoryStore) SaveRule(_ context.Context, rule model.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := utils.Now()
	if existing, ok := s.rules[rule.ID]; ok {
		rule.Ordinal = existing.Ordinal
		rule.CreatedAt = existing.CreatedAt
	} else if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return nil
}

func (s *MemoryStore) FindRuleByID(_ context.Context, id string) (*model.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: rule %s", apperrors.ErrNotFound, id)
	}
	return &rule, nil
}

func (s *MemoryStore) ListRules(_ context.Context, activeOnly bool) ([]model.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AutomationRule, 0, len(s.rules))
	for _, r := range s.rules {
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: rule %s", apperrors.ErrNotFound, id)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) SaveExhaustedEvent(_ context.Context, event model.ExhaustedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = uint(len(s.exhausted) + 1)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = utils.Now()
	}
	s.exhausted = append(s.exhausted, event)
	return nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

var (
	_ ConversationStore = (*MemoryStore)(nil)
	_ ConversationStore = (*PostgresRepo)(nil)
)
