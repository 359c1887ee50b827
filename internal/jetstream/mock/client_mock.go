package mock

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/jetstream"
)

// ClientMock is a testify mock of jetstream.ClientInterface.
type ClientMock struct {
	mock.Mock
}

var _ jetstream.ClientInterface = (*ClientMock)(nil)

func (m *ClientMock) EnsureStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	return m.Called(ctx, streamConfig).Error(0)
}

func (m *ClientMock) EnsureConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error {
	return m.Called(ctx, streamName, consumerConfig).Error(0)
}

func (m *ClientMock) SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error) {
	args := m.Called(subject, consumer, group, stream, handler)
	sub, _ := args.Get(0).(*nats.Subscription)
	return sub, args.Error(1)
}

func (m *ClientMock) SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error) {
	args := m.Called(streamName, subject, consumer)
	sub, _ := args.Get(0).(*nats.Subscription)
	return sub, args.Error(1)
}

func (m *ClientMock) Publish(subject string, data []byte, headers map[string]string) error {
	return m.Called(subject, data, headers).Error(0)
}

// Request returns the *nats.Msg given to Return, or an error.
func (m *ClientMock) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	args := m.Called(ctx, subject, data)
	msg, _ := args.Get(0).(*nats.Msg)
	return msg, args.Error(1)
}

func (m *ClientMock) NatsConn() *nats.Conn {
	conn, _ := m.Called().Get(0).(*nats.Conn)
	return conn
}

func (m *ClientMock) Close() {
	m.Called()
}
