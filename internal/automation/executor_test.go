package automation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

type delivererMock struct{ mock.Mock }

func (m *delivererMock) Deliver(ctx context.Context, target model.ConversationTarget, text string) (*model.Message, error) {
	args := m.Called(ctx, target, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

type updaterMock struct{ mock.Mock }

func (m *updaterMock) Transfer(ctx context.Context, id, agent string, markPending bool) (*model.Conversation, error) {
	args := m.Called(ctx, id, agent, markPending)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Conversation), args.Error(1)
}

func (m *updaterMock) AddTag(ctx context.Context, id, tag string) (*model.Conversation, error) {
	args := m.Called(ctx, id, tag)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Conversation), args.Error(1)
}

type ticketsMock struct{ mock.Mock }

func (m *ticketsMock) PublishTicket(ctx context.Context, event model.TicketEvent) error {
	return m.Called(ctx, event).Error(0)
}

func newTestExecutor(t *testing.T, pendingOnTransfer bool) (*Executor, *delivererMock, *updaterMock, *ticketsMock) {
	d, u, tk := new(delivererMock), new(updaterMock), new(ticketsMock)
	x := NewExecutor(d, u, tk, ExecutorOptions{CompanyID: "acme", PendingOnTransfer: pendingOnTransfer}, zaptest.NewLogger(t))
	return x, d, u, tk
}

func inboundFor(conv *model.Conversation, body string) model.InboundContext {
	in := inbound(body)
	in.Conversation = *conv
	return in
}

func TestExecutor_SendMessage(t *testing.T) {
	x, d, u, tk := newTestExecutor(t, false)
	ctx := context.Background()
	conv := model.NewConversation(nil)
	in := inboundFor(conv, "oi")

	sent := model.NewMessage(conv.ID, &model.ProviderMessage{Direction: model.DirectionOutbound, Body: "Olá!"})
	d.On("Deliver", ctx, in.Target, "Olá!").Return(sent, nil)

	err := x.Execute(ctx, model.Action{RuleID: "r1", Type: model.ActionSendMessage, Value: "Olá!"}, in)
	require.NoError(t, err)
	d.AssertExpectations(t)
	u.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	tk.AssertNotCalled(t, "PublishTicket", mock.Anything, mock.Anything)
}

func TestExecutor_SendMessageFailure(t *testing.T) {
	x, d, _, _ := newTestExecutor(t, false)
	ctx := context.Background()
	in := inboundFor(model.NewConversation(nil), "oi")
	sendErr := errors.New("gateway offline")
	d.On("Deliver", ctx, in.Target, "Olá!").Return(nil, sendErr)

	err := x.Execute(ctx, model.Action{Type: model.ActionSendMessage, Value: "Olá!"}, in)
	assert.ErrorIs(t, err, sendErr)
}

func TestExecutor_TransferAgent(t *testing.T) {
	x, _, u, _ := newTestExecutor(t, true)
	ctx := context.Background()
	conv := model.NewConversation(nil)
	u.On("Transfer", ctx, conv.ID, "agent-9", true).Return(conv, nil)

	err := x.Execute(ctx, model.Action{Type: model.ActionTransferAgent, Value: " agent-9 "}, inboundFor(conv, "quero falar com alguém"))
	require.NoError(t, err)
	u.AssertExpectations(t)
}

func TestExecutor_AddTag(t *testing.T) {
	x, _, u, _ := newTestExecutor(t, false)
	ctx := context.Background()
	conv := model.NewConversation(nil)
	u.On("AddTag", ctx, conv.ID, "vip").Return(conv, nil)

	require.NoError(t, x.Execute(ctx, model.Action{Type: model.ActionAddTag, Value: "vip"}, inboundFor(conv, "oi")))
	u.AssertExpectations(t)
}

func TestExecutor_CreateTicketIsDeterministic(t *testing.T) {
	x, _, _, tk := newTestExecutor(t, false)
	ctx := context.Background()
	conv := model.NewConversation(nil)
	in := inboundFor(conv, "meu pedido não chegou")
	action := model.Action{RuleID: "rule-1", RuleName: "delivery", Type: model.ActionCreateTicket}

	var published []model.TicketEvent
	tk.On("PublishTicket", ctx, mock.AnythingOfType("model.TicketEvent")).
		Run(func(args mock.Arguments) { published = append(published, args.Get(1).(model.TicketEvent)) }).
		Return(nil)

	require.NoError(t, x.Execute(ctx, action, in))
	require.NoError(t, x.Execute(ctx, action, in))

	require.Len(t, published, 2)
	assert.Equal(t, published[0].ID, published[1].ID)
	ev := published[0]
	assert.Equal(t, "acme", ev.CompanyID)
	assert.Equal(t, conv.ID, ev.ConversationID)
	assert.Equal(t, "rule-1", ev.RuleID)
	assert.Equal(t, "Ticket opened by rule delivery", ev.Subject)
	assert.Equal(t, "meu pedido não chegou", ev.MessageBody)
	assert.Equal(t, "+5511999999999", ev.ContactPhone)
}

func TestExecutor_UnsupportedAction(t *testing.T) {
	x, _, _, _ := newTestExecutor(t, false)
	err := x.Execute(context.Background(), model.Action{Type: "dance"}, inbound("oi"))
	assert.Error(t, err)
}
