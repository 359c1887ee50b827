package jetstream

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestStreamDrifted(t *testing.T) {
	want := nats.StreamConfig{
		Name:       "conversation_tickets_stream",
		Subjects:   []string{"v1.tickets.create.>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	}

	tests := []struct {
		name   string
		mutate func(c *nats.StreamConfig)
		want   bool
	}{
		{"identical", func(*nats.StreamConfig) {}, false},
		{"server defaults for unset limits", func(c *nats.StreamConfig) { c.MaxMsgs = -1 }, false},
		{"subject added", func(c *nats.StreamConfig) { c.Subjects = append(c.Subjects, "v1.tickets.update.>") }, true},
		{"retention changed", func(c *nats.StreamConfig) { c.Retention = nats.InterestPolicy }, true},
		{"dedup window changed", func(c *nats.StreamConfig) { c.Duplicates = 2 * time.Minute }, true},
		{"max age changed", func(c *nats.StreamConfig) { c.MaxAge = 24 * time.Hour }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			have := want
			have.Subjects = append([]string(nil), want.Subjects...)
			tt.mutate(&have)
			assert.Equal(t, tt.want, streamDrifted(have, want))
		})
	}
}

func TestConsumerDrifted(t *testing.T) {
	want := nats.ConsumerConfig{
		Durable:        "conversation_engine_realtime_acme",
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverPolicy:  nats.DeliverAllPolicy,
		FilterSubjects: []string{"v1.messages.upsert.acme", "v1.contacts.upsert.acme"},
		MaxDeliver:     5,
		AckWait:        30 * time.Second,
	}

	tests := []struct {
		name   string
		mutate func(c *nats.ConsumerConfig)
		want   bool
	}{
		{"identical", func(*nats.ConsumerConfig) {}, false},
		{"server default ack pending", func(c *nats.ConsumerConfig) { c.MaxAckPending = 1000 }, false},
		{"filter subjects reordered", func(c *nats.ConsumerConfig) {
			c.FilterSubjects = []string{"v1.contacts.upsert.acme", "v1.messages.upsert.acme"}
		}, true},
		{"deliver policy changed", func(c *nats.ConsumerConfig) { c.DeliverPolicy = nats.DeliverLastPolicy }, true},
		{"max deliver changed", func(c *nats.ConsumerConfig) { c.MaxDeliver = 3 }, true},
		{"ack wait changed", func(c *nats.ConsumerConfig) { c.AckWait = time.Minute }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			have := want
			have.FilterSubjects = append([]string(nil), want.FilterSubjects...)
			tt.mutate(&have)
			assert.Equal(t, tt.want, consumerDrifted(have, want))
		})
	}
}
