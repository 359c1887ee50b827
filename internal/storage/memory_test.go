package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

func TestMemoryStore_EnsureContactIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	phone := model.FakePhone()

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := store.EnsureContact(ctx, phone, "")
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestMemoryStore_EnsureConversation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	contact, err := store.EnsureContact(ctx, model.FakePhone(), "Ana")
	require.NoError(t, err)

	conv, created, err := store.EnsureConversation(ctx, contact.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusActive, conv.Status)
	require.NotNil(t, conv.Contact)
	assert.Equal(t, "Ana", conv.Contact.Name)

	again, created, err := store.EnsureConversation(ctx, contact.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)

	_, _, err = store.EnsureConversation(ctx, "unknown")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestMemoryStore_InsertMessageIfAbsent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	contact, _ := store.EnsureContact(ctx, model.FakePhone(), "")
	conv, _, _ := store.EnsureConversation(ctx, contact.ID)

	msg := model.NewMessage(conv.ID)
	require.NoError(t, store.InsertMessageIfAbsent(ctx, *msg))
	assert.ErrorIs(t, store.InsertMessageIfAbsent(ctx, *msg), apperrors.ErrDedupConflict)

	stored, err := store.FindMessageByDedupKey(ctx, conv.ID, msg.DedupKey)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero(), "the insert time is recorded")
	_, err = store.FindMessageByDedupKey(ctx, conv.ID, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	msgs, err := store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMemoryStore_ListMessagesOrderAndLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	contact, _ := store.EnsureContact(ctx, model.FakePhone(), "")
	conv, _, _ := store.EnsureConversation(ctx, contact.ID)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, offset := range []int{3, 1, 2} {
		m := model.NewMessage(conv.ID, &model.ProviderMessage{Timestamp: base.Add(time.Duration(offset) * time.Minute)})
		require.NoError(t, store.InsertMessageIfAbsent(ctx, *m))
	}

	all, err := store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.Before(all[1].Timestamp))
	assert.True(t, all[1].Timestamp.Before(all[2].Timestamp))

	last, err := store.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, all[1].ID, last[0].ID)
	assert.Equal(t, all[2].ID, last[1].ID)
}

func TestMemoryStore_UpdateMessageStatusIsMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	contact, _ := store.EnsureContact(ctx, model.FakePhone(), "")
	conv, _, _ := store.EnsureConversation(ctx, contact.ID)
	msg := model.NewMessage(conv.ID, &model.ProviderMessage{
		ProviderMessageID: "wamid.9",
		Direction:         model.DirectionOutbound,
		Status:            model.MessageStatusSent,
	})
	require.NoError(t, store.InsertMessageIfAbsent(ctx, *msg))

	got, applied, err := store.UpdateMessageStatus(ctx, conv.ID, "wamid.9", model.MessageStatusRead)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.MessageStatusRead, got.Status)

	got, applied, err = store.UpdateMessageStatus(ctx, conv.ID, "wamid.9", model.MessageStatusDelivered)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.MessageStatusRead, got.Status)

	_, _, err = store.UpdateMessageStatus(ctx, conv.ID, "nope", model.MessageStatusRead)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestMemoryStore_ListConversationsFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := utils.Now()

	mk := func(status model.ConversationStatus, lastAt time.Time) *model.Conversation {
		contact, _ := store.EnsureContact(ctx, model.FakePhone(), "")
		conv, _, _ := store.EnsureConversation(ctx, contact.ID)
		conv.Status = status
		conv.LastMessageAt = lastAt
		require.NoError(t, store.UpdateConversation(ctx, *conv))
		return conv
	}
	older := mk(model.StatusActive, now.Add(-time.Hour))
	newer := mk(model.StatusActive, now)
	resolved := mk(model.StatusResolved, now.Add(-time.Minute))
	resolvedAt := now.Add(-48 * time.Hour)
	resolved.ResolvedAt = &resolvedAt
	require.NoError(t, store.UpdateConversation(ctx, *resolved))

	active, err := store.ListConversations(ctx, model.ConversationFilter{Status: model.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, newer.ID, active[0].ID)
	assert.Equal(t, older.ID, active[1].ID)

	cutoff := now.Add(-24 * time.Hour)
	stale, err := store.ListConversations(ctx, model.ConversationFilter{Status: model.StatusResolved, ResolvedBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, resolved.ID, stale[0].ID)
}

func TestMemoryStore_RulesKeepOrdinalOnUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first := model.NewAutomationRule(&model.AutomationRule{Ordinal: 10, IsActive: true})
	second := model.NewAutomationRule(&model.AutomationRule{Ordinal: 20, IsActive: true})
	require.NoError(t, store.SaveRule(ctx, *second))
	require.NoError(t, store.SaveRule(ctx, *first))

	first.Ordinal = 99
	first.Name = "renamed"
	require.NoError(t, store.SaveRule(ctx, *first))

	rules, err := store.ListRules(ctx, true)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, first.ID, rules[0].ID)
	assert.Equal(t, "renamed", rules[0].Name)
	assert.Equal(t, int64(10), rules[0].Ordinal)

	require.NoError(t, store.DeleteRule(ctx, first.ID))
	assert.ErrorIs(t, store.DeleteRule(ctx, first.ID), apperrors.ErrNotFound)
}

func TestMemoryStore_KnowledgeActiveOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	active := model.NewKnowledgeEntry(&model.KnowledgeEntry{IsActive: true})
	inactive := model.NewKnowledgeEntry(&model.KnowledgeEntry{IsActive: false})
	require.NoError(t, store.SaveKnowledge(ctx, *active))
	require.NoError(t, store.SaveKnowledge(ctx, *inactive))

	got, err := store.ListKnowledge(ctx, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)

	all, err := store.ListKnowledge(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
