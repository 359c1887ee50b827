package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	storagemock "gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage/mock"
)

func TestAggregate_PublishAndSnapshot(t *testing.T) {
	agg := New(zaptest.NewLogger(t))
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	older := model.NewConversation(&model.Conversation{LastMessageAt: base})
	newer := model.NewConversation(&model.Conversation{LastMessageAt: base.Add(time.Minute)})
	agg.Publish(model.ConversationDelta{Conversation: *older})
	agg.Publish(model.ConversationDelta{Conversation: *newer})

	snap := agg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, newer.ID, snap[0].ID)
	assert.Equal(t, older.ID, snap[1].ID)

	older.Status = model.StatusResolved
	agg.Publish(model.ConversationDelta{Conversation: *older})
	got, ok := agg.Get(older.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusResolved, got.Status)

	_, ok = agg.Get("missing")
	assert.False(t, ok)
}

func TestAggregate_KeepsContactWhenDeltaOmitsIt(t *testing.T) {
	agg := New(zaptest.NewLogger(t))
	contact := model.NewContact(nil)
	conv := model.NewConversation(&model.Conversation{ContactID: contact.ID, Contact: contact})
	agg.Publish(model.ConversationDelta{Conversation: *conv})

	withoutContact := *conv
	withoutContact.Contact = nil
	withoutContact.Priority = model.PriorityHigh
	agg.Publish(model.ConversationDelta{Conversation: withoutContact})

	got, ok := agg.Get(conv.ID)
	require.True(t, ok)
	require.NotNil(t, got.Contact)
	assert.Equal(t, contact.Phone, got.Contact.Phone)
	assert.Equal(t, model.PriorityHigh, got.Priority)
}

func TestAggregate_SnapshotIsDetached(t *testing.T) {
	agg := New(zaptest.NewLogger(t))
	conv := model.NewConversation(nil)
	agg.Publish(model.ConversationDelta{Conversation: *conv})

	snap := agg.Snapshot()
	snap[0].Tags = append(snap[0].Tags, "mutated")

	got, _ := agg.Get(conv.ID)
	assert.NotContains(t, got.Tags, "mutated")
}

func TestAggregate_Subscribe(t *testing.T) {
	agg := New(zaptest.NewLogger(t))
	ch, unsubscribe := agg.Subscribe(4)

	conv := model.NewConversation(nil)
	msg := model.NewMessage(conv.ID)
	agg.Publish(model.ConversationDelta{Conversation: *conv, AddedMessages: []model.Message{*msg}})

	select {
	case delta := <-ch:
		assert.Equal(t, conv.ID, delta.Conversation.ID)
		require.Len(t, delta.AddedMessages, 1)
		assert.Equal(t, msg.ID, delta.AddedMessages[0].ID)
	case <-time.After(time.Second):
		t.Fatal("delta not delivered")
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	agg.Publish(model.ConversationDelta{Conversation: *conv})
}

func TestAggregate_SlowSubscriberDoesNotBlock(t *testing.T) {
	agg := New(zaptest.NewLogger(t))
	_, unsubscribe := agg.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			agg.Publish(model.ConversationDelta{Conversation: *model.NewConversation(nil)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, agg.Snapshot(), 10)
}

func TestAggregate_ConcurrentReaders(t *testing.T) {
	agg := New(zaptest.NewLogger(t))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				agg.Publish(model.ConversationDelta{Conversation: *model.NewConversation(nil)})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = agg.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, agg.Snapshot(), 200)
}

func TestAggregate_Hydrate(t *testing.T) {
	store := new(storagemock.StoreMock)
	agg := New(zaptest.NewLogger(t))
	ctx := context.Background()

	convs := []model.Conversation{*model.NewConversation(nil), *model.NewConversation(nil)}
	store.On("ListConversations", ctx, mock.Anything).Return(convs, nil).Once()
	require.NoError(t, agg.Hydrate(ctx, store))
	assert.Len(t, agg.Snapshot(), 2)

	store.On("ListConversations", ctx, mock.Anything).Return(nil, errors.New("down")).Once()
	assert.Error(t, agg.Hydrate(ctx, store))
	assert.Len(t, agg.Snapshot(), 2, "failed hydrate keeps the current view")
	store.AssertExpectations(t)
}
