package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface is the slice of NATS the engine depends on. Consumers, the DLQ
// worker, the channel port and the ticket publisher all go through it.
type ClientInterface interface {
	// EnsureStream creates the stream or updates it when the config drifted.
	EnsureStream(ctx context.Context, streamConfig *nats.StreamConfig) error

	// EnsureConsumer creates the durable consumer on streamName, recreating it on drift.
	EnsureConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error

	// SubscribePush binds a queue-group push subscription to an existing durable consumer.
	SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error)

	// SubscribePull binds a pull subscription to an existing durable consumer.
	SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error)

	// Publish stores a message in JetStream. Headers may carry Nats-Msg-Id for dedup.
	Publish(subject string, data []byte, headers map[string]string) error

	// Request performs a core NATS request/reply bounded by ctx.
	Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error)

	// Close drains nothing and closes the connection.
	Close()

	// NatsConn returns the underlying *nats.Conn
	NatsConn() *nats.Conn
}
