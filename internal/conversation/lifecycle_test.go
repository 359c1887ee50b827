package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

func TestTransition(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		from        model.ConversationStatus
		to          model.ConversationStatus
		wantChanged bool
		wantErr     bool
	}{
		{"active to pending", model.StatusActive, model.StatusPending, true, false},
		{"pending to active", model.StatusPending, model.StatusActive, true, false},
		{"active to resolved", model.StatusActive, model.StatusResolved, true, false},
		{"pending to resolved", model.StatusPending, model.StatusResolved, true, false},
		{"archived to resolved", model.StatusArchived, model.StatusResolved, true, false},
		{"resolved to archived", model.StatusResolved, model.StatusArchived, true, false},
		{"same state is a no-op", model.StatusPending, model.StatusPending, false, false},
		{"active to archived rejected", model.StatusActive, model.StatusArchived, false, true},
		{"resolved to active rejected", model.StatusResolved, model.StatusActive, false, true},
		{"archived to pending rejected", model.StatusArchived, model.StatusPending, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := model.NewConversation(&model.Conversation{Status: tt.from})
			changed, err := Transition(conv, tt.to, now)
			assert.Equal(t, tt.wantChanged, changed)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
				assert.ErrorIs(t, err, apperrors.ErrConflict)
				assert.Equal(t, tt.from, conv.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, conv.Status)
		})
	}
}

func TestTransition_ResolveStampsResolvedAt(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv := model.NewConversation(nil)

	_, err := Transition(conv, model.StatusResolved, now)
	require.NoError(t, err)
	require.NotNil(t, conv.ResolvedAt)
	assert.Equal(t, now, *conv.ResolvedAt)

	_, err = Transition(conv, model.StatusArchived, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, now, *conv.ResolvedAt)
}

func TestApplyInbound_ReopensClosedConversations(t *testing.T) {
	resolvedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		status model.ConversationStatus
		ts     time.Time
	}{
		{"resolved, newer message", model.StatusResolved, resolvedAt.Add(time.Minute)},
		{"archived, newer message", model.StatusArchived, resolvedAt.Add(time.Minute)},
		{"archived, message stamped before the resolve", model.StatusArchived, resolvedAt.Add(-5 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := model.NewConversation(&model.Conversation{
				Status:        tt.status,
				ResolvedAt:    &resolvedAt,
				LastMessageAt: resolvedAt.Add(-time.Hour),
			})

			changed := ApplyInbound(conv, tt.ts, true)
			assert.True(t, changed)
			assert.Equal(t, model.StatusActive, conv.Status)
			assert.Nil(t, conv.ResolvedAt)
			assert.Equal(t, tt.ts, conv.LastMessageAt)
		})
	}
}

func TestApplyInbound_BackfilledMessageDoesNotReopen(t *testing.T) {
	resolvedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv := model.NewConversation(&model.Conversation{
		Status:        model.StatusArchived,
		ResolvedAt:    &resolvedAt,
		LastMessageAt: resolvedAt.Add(-time.Hour),
	})

	changed := ApplyInbound(conv, resolvedAt.Add(-2*time.Hour), false)
	assert.False(t, changed)
	assert.Equal(t, model.StatusArchived, conv.Status)
	assert.Equal(t, resolvedAt.Add(-time.Hour), conv.LastMessageAt)

	changed = ApplyInbound(conv, resolvedAt.Add(time.Hour), false)
	assert.True(t, changed)
	assert.Equal(t, model.StatusArchived, conv.Status, "backfill never reopens, even for newer messages")
	assert.Equal(t, resolvedAt.Add(time.Hour), conv.LastMessageAt)
}

func TestApplyInbound_KeepsPending(t *testing.T) {
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv := model.NewConversation(&model.Conversation{Status: model.StatusPending, LastMessageAt: last})

	assert.True(t, ApplyInbound(conv, last.Add(time.Second), true))
	assert.Equal(t, model.StatusPending, conv.Status)
	assert.False(t, ApplyInbound(conv, last, true), "older message leaves lastMessageAt alone")
	assert.Equal(t, last.Add(time.Second), conv.LastMessageAt)
}

func TestReplayActivity(t *testing.T) {
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv := model.NewConversation(&model.Conversation{Status: model.StatusPending, LastMessageAt: last})

	assert.False(t, ReplayActivity(conv, model.DirectionInbound, last.Add(-time.Minute)))
	assert.True(t, ReplayActivity(conv, model.DirectionOutbound, last.Add(time.Minute)))
	assert.Equal(t, model.StatusPending, conv.Status, "replaying a stored reply does not reactivate")
	require.NotNil(t, conv.LastOutboundAt)
	assert.Equal(t, last.Add(time.Minute), *conv.LastOutboundAt)
	assert.Equal(t, last.Add(time.Minute), conv.LastMessageAt)
	assert.False(t, ReplayActivity(conv, model.DirectionOutbound, last.Add(time.Minute)), "replay is idempotent")
}

func TestApplyOutbound(t *testing.T) {
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv := model.NewConversation(&model.Conversation{Status: model.StatusPending, LastMessageAt: last})

	assert.True(t, ApplyOutbound(conv, last.Add(time.Minute)))
	assert.Equal(t, model.StatusActive, conv.Status)
	require.NotNil(t, conv.LastOutboundAt)
	assert.Equal(t, last.Add(time.Minute), *conv.LastOutboundAt)
	assert.Equal(t, last.Add(time.Minute), conv.LastMessageAt)

	resolved := model.NewConversation(&model.Conversation{Status: model.StatusResolved, LastMessageAt: last})
	ApplyOutbound(resolved, last.Add(time.Minute))
	assert.Equal(t, model.StatusResolved, resolved.Status)
}

func TestTransferExpired(t *testing.T) {
	cutoff := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	before := cutoff.Add(-time.Minute)
	after := cutoff.Add(time.Minute)
	earlier := before.Add(-time.Hour)

	tests := []struct {
		name string
		conv model.Conversation
		want bool
	}{
		{"unanswered transfer", model.Conversation{Status: model.StatusActive, AssignedAgent: "ana", TransferredAt: &before}, true},
		{"answered before transfer", model.Conversation{Status: model.StatusActive, AssignedAgent: "ana", TransferredAt: &before, LastOutboundAt: &earlier}, true},
		{"answered after transfer", model.Conversation{Status: model.StatusActive, AssignedAgent: "ana", TransferredAt: &before, LastOutboundAt: &after}, false},
		{"transfer inside window", model.Conversation{Status: model.StatusActive, AssignedAgent: "ana", TransferredAt: &after}, false},
		{"not assigned", model.Conversation{Status: model.StatusActive, TransferredAt: &before}, false},
		{"already pending", model.Conversation{Status: model.StatusPending, AssignedAgent: "ana", TransferredAt: &before}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TransferExpired(tt.conv, cutoff))
		})
	}
}
