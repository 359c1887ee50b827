package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/channel"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ingestion/handler"
	mockhandler "gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ingestion/handler/mock"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

const historyPayload = `{"contact":{"phone":"+5511999999999"},"messages":[
	{"provider_message_id":"h1","direction":"inbound","body":"oi","timestamp":"2024-05-01T12:00:00Z"},
	{"provider_message_id":"h2","direction":"outbound","body":"Olá!","timestamp":"2024-05-01T12:00:05Z"}]}`

func setupHistoricalTest(t *testing.T) (context.Context, *model.MessageMetadata) {
	ctx := logger.WithLogger(context.Background(), zaptest.NewLogger(t))
	return ctx, &model.MessageMetadata{
		MessageID:      "nats-msg-2",
		MessageSubject: string(model.V1HistoricalMessages) + ".test-company",
		CompanyID:      "test-company",
	}
}

func TestHistoricalHandler_DeliversHistoricalEvent(t *testing.T) {
	ctx, metadata := setupHistoricalTest(t)
	inbound := new(mockhandler.MockInboundDeliverer)
	h := handler.NewHistoricalHandler(inbound)

	var got channel.InboundEvent
	inbound.On("DeliverInbound", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(channel.InboundEvent) }).
		Return(nil)

	require.NoError(t, h.HandleEvent(ctx, model.V1HistoricalMessages, metadata, []byte(historyPayload)))
	assert.True(t, got.Historical)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, "+5511999999999", got.Target.Phone)
}

func TestHistoricalHandler_EmptyBatchIsAcked(t *testing.T) {
	ctx, metadata := setupHistoricalTest(t)
	inbound := new(mockhandler.MockInboundDeliverer)
	h := handler.NewHistoricalHandler(inbound)

	err := h.HandleEvent(ctx, model.V1HistoricalMessages, metadata, []byte(`{"contact":{"phone":"+5511999999999"},"messages":[]}`))
	assert.NoError(t, err)
	inbound.AssertNotCalled(t, "DeliverInbound", mock.Anything, mock.Anything)
}

func TestHistoricalHandler_Errors(t *testing.T) {
	ctx, metadata := setupHistoricalTest(t)

	testCases := []struct {
		name        string
		eventType   model.EventType
		payload     string
		deliverErr  error
		expectFatal bool
	}{
		{name: "unsupported type", eventType: model.V1MessagesUpsert, payload: historyPayload, expectFatal: true},
		{name: "invalid json", eventType: model.V1HistoricalMessages, payload: `{`, expectFatal: true},
		{
			name:        "invalid phone",
			eventType:   model.V1HistoricalMessages,
			payload:     `{"contact":{"phone":"abc"},"messages":[{"direction":"inbound","body":"oi","timestamp":"2024-05-01T12:00:00Z"}]}`,
			expectFatal: true,
		},
		{name: "store failure", eventType: model.V1HistoricalMessages, payload: historyPayload, deliverErr: apperrors.ErrDatabase},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inbound := new(mockhandler.MockInboundDeliverer)
			if tc.deliverErr != nil {
				inbound.On("DeliverInbound", mock.Anything, mock.Anything).Return(tc.deliverErr)
			}
			h := handler.NewHistoricalHandler(inbound)

			err := h.HandleEvent(ctx, tc.eventType, metadata, []byte(tc.payload))
			require.Error(t, err)
			if tc.expectFatal {
				var fatalErr *apperrors.FatalError
				assert.True(t, errors.As(err, &fatalErr), "expected FatalError, got %T", err)
				return
			}
			assert.True(t, apperrors.IsRetryable(err))
		})
	}
}

func TestHistoricalHandler_PartitionKey(t *testing.T) {
	h := handler.NewHistoricalHandler(nil)

	key, err := h.PartitionKey(model.V1HistoricalMessages, []byte(historyPayload))
	require.NoError(t, err)
	assert.Equal(t, "+5511999999999", key)

	_, err = h.PartitionKey(model.V1HistoricalMessages, []byte(`{"messages":[]}`))
	assert.True(t, apperrors.IsFatal(err))
}
