package channel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/config"
	jsmock "gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/jetstream/mock"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

func newTestPort(t *testing.T) (*NATSPort, *jsmock.ClientMock) {
	client := new(jsmock.ClientMock)
	port := NewNATSPort(client, "acme", config.ChannelConfig{
		SendTimeout:  time.Second,
		FetchTimeout: time.Second,
		FetchLimit:   20,
	}, zaptest.NewLogger(t))
	return port, client
}

func replyMsg(t *testing.T, v any) *nats.Msg {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return &nats.Msg{Data: data}
}

func TestNATSPort_Send(t *testing.T) {
	port, client := newTestPort(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var sent model.SendCommand
	client.On("Request", mock.Anything, "v1.commands.send.acme", mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(args.Get(2).([]byte), &sent))
		}).
		Return(replyMsg(t, model.SendReply{Record: model.MessageRecord{ProviderMessageID: "wamid.1", Status: model.MessageStatusSent, Timestamp: ts}}), nil)

	rec, err := port.Send(context.Background(), "5511999999999@s.whatsapp.net", "Olá!")
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", rec.ProviderMessageID)
	assert.True(t, ts.Equal(rec.Timestamp))
	assert.Equal(t, "5511999999999", sent.Phone)
	assert.Equal(t, "Olá!", sent.Text)
	client.AssertExpectations(t)
}

func TestNATSPort_SendNoResponders(t *testing.T) {
	port, client := newTestPort(t)
	client.On("Request", mock.Anything, "v1.commands.send.acme", mock.Anything).Return(nil, nats.ErrNoResponders)

	_, err := port.Send(context.Background(), "+5511999999999", "Olá!")
	assert.ErrorIs(t, err, apperrors.ErrChannelUnavailable)
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestNATSPort_SendRejected(t *testing.T) {
	port, client := newTestPort(t)
	client.On("Request", mock.Anything, mock.Anything, mock.Anything).Return(replyMsg(t, model.SendReply{Error: "number not on whatsapp"}), nil)

	_, err := port.Send(context.Background(), "+5511999999999", "Olá!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "number not on whatsapp")
	assert.False(t, apperrors.IsChannelUnavailable(err))
}

func TestNATSPort_SendValidation(t *testing.T) {
	port, client := newTestPort(t)
	_, err := port.Send(context.Background(), "+5511999999999", "")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	client.AssertNotCalled(t, "Request", mock.Anything, mock.Anything, mock.Anything)
}

func TestNATSPort_FetchRecent(t *testing.T) {
	port, client := newTestPort(t)
	msgs := []model.ProviderMessage{*model.NewProviderMessage(), *model.NewProviderMessage()}

	var cmd model.FetchCommand
	client.On("Request", mock.Anything, "v1.commands.fetch.acme", mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(args.Get(2).([]byte), &cmd))
		}).
		Return(replyMsg(t, model.FetchReply{Messages: msgs}), nil)

	got, err := port.FetchRecent(context.Background(), "+5511999999999", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 20, cmd.Limit)
}

func TestNATSPort_FetchTimeout(t *testing.T) {
	port, client := newTestPort(t)
	client.On("Request", mock.Anything, mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	_, err := port.FetchRecent(context.Background(), "+5511999999999", 5)
	assert.True(t, apperrors.IsChannelUnavailable(err))
}

func TestNATSPort_InboundHandler(t *testing.T) {
	port, _ := newTestPort(t)
	ctx := context.Background()
	event := InboundEvent{Target: model.ConversationTarget{Phone: "+5511999999999"}}

	assert.ErrorIs(t, port.DeliverInbound(ctx, event), ErrNoInboundHandler)

	var got InboundEvent
	port.OnInboundEvent(func(_ context.Context, e InboundEvent) error {
		got = e
		return nil
	})
	require.NoError(t, port.DeliverInbound(ctx, event))
	assert.Equal(t, event.Target, got.Target)

	handlerErr := errors.New("boom")
	port.OnInboundEvent(func(context.Context, InboundEvent) error { return handlerErr })
	assert.ErrorIs(t, port.DeliverInbound(ctx, event), handlerErr)
}
