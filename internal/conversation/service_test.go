package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage"
	storagemock "gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage/mock"
)

type recordingNotifier struct {
	deltas []model.ConversationDelta
}

func (r *recordingNotifier) Publish(delta model.ConversationDelta) {
	r.deltas = append(r.deltas, delta)
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *recordingNotifier, *model.Conversation) {
	t.Helper()
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	svc := NewService(store, notifier, zaptest.NewLogger(t))

	ctx := context.Background()
	contact, err := store.EnsureContact(ctx, model.FakePhone(), "Bia")
	require.NoError(t, err)
	conv, _, err := store.EnsureConversation(ctx, contact.ID)
	require.NoError(t, err)
	return svc, store, notifier, conv
}

func TestService_ResolveThenArchive(t *testing.T) {
	svc, store, notifier, conv := newTestService(t)
	ctx := context.Background()

	resolved, err := svc.Resolve(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	archived, err := svc.Archive(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, archived.Status)

	stored, err := store.FindConversationByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, stored.Status)
	require.Len(t, notifier.deltas, 2)
	assert.Equal(t, model.StatusArchived, notifier.deltas[1].Conversation.Status)
}

func TestService_InvalidTransitionIsNotPersisted(t *testing.T) {
	svc, store, notifier, conv := newTestService(t)
	ctx := context.Background()

	_, err := svc.Archive(ctx, conv.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	stored, err := store.FindConversationByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, stored.Status)
	assert.Empty(t, notifier.deltas)
}

func TestService_SameStateDoesNotNotify(t *testing.T) {
	svc, _, notifier, conv := newTestService(t)

	got, err := svc.Activate(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Empty(t, notifier.deltas)
}

func TestService_Transfer(t *testing.T) {
	svc, _, _, conv := newTestService(t)
	ctx := context.Background()

	got, err := svc.Transfer(ctx, conv.ID, "agent-7", true)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", got.AssignedAgent)
	assert.NotNil(t, got.TransferredAt)
	assert.Equal(t, model.StatusPending, got.Status)

	_, err = svc.Transfer(ctx, conv.ID, "", false)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestService_AddTagIsIdempotent(t *testing.T) {
	svc, _, notifier, conv := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddTag(ctx, conv.ID, "vip")
	require.NoError(t, err)
	got, err := svc.AddTag(ctx, conv.ID, "VIP")
	require.NoError(t, err)

	assert.Equal(t, []string{"vip"}, []string(got.Tags))
	assert.Len(t, notifier.deltas, 1)
}

func TestService_Update(t *testing.T) {
	svc, _, _, conv := newTestService(t)
	ctx := context.Background()

	negative := model.SentimentNegative
	urgent := model.PriorityUrgent
	got, err := svc.Update(ctx, conv.ID, Patch{Sentiment: &negative, Priority: &urgent})
	require.NoError(t, err)
	assert.Equal(t, model.SentimentNegative, got.Sentiment)
	assert.Equal(t, model.PriorityUrgent, got.Priority)

	bogus := model.Priority("whenever")
	_, err = svc.Update(ctx, conv.ID, Patch{Priority: &bogus})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestService_ExpireTransfer(t *testing.T) {
	svc, _, _, conv := newTestService(t)
	ctx := context.Background()

	_, err := svc.Transfer(ctx, conv.ID, "agent-1", false)
	require.NoError(t, err)

	changed, err := svc.ExpireTransfer(ctx, conv.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, changed, "transfer is still inside the SLA window")

	changed, err = svc.ExpireTransfer(ctx, conv.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestService_ArchiveIfResolvedBefore(t *testing.T) {
	svc, _, _, conv := newTestService(t)
	ctx := context.Background()

	changed, err := svc.ArchiveIfResolvedBefore(ctx, conv.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed, "active conversations are never archived")

	_, err = svc.Resolve(ctx, conv.ID)
	require.NoError(t, err)

	changed, err = svc.ArchiveIfResolvedBefore(ctx, conv.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = svc.ArchiveIfResolvedBefore(ctx, conv.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestService_PersistFailure(t *testing.T) {
	store := new(storagemock.StoreMock)
	notifier := &recordingNotifier{}
	svc := NewService(store, notifier, zaptest.NewLogger(t))
	ctx := context.Background()

	conv := model.NewConversation(nil)
	dbErr := errors.New("connection reset")
	store.On("FindConversationByID", ctx, conv.ID).Return(conv, nil)
	store.On("UpdateConversation", ctx, mock.AnythingOfType("model.Conversation")).Return(dbErr)

	_, err := svc.MarkPending(ctx, conv.ID)
	assert.ErrorIs(t, err, dbErr)
	assert.Empty(t, notifier.deltas)
	store.AssertExpectations(t)
}
