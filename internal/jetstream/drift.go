package jetstream

import (
	"slices"

	"github.com/nats-io/nats.go"
)

// streamDrifted reports whether the server-side stream differs from want in a field the
// engine sets. Zero fields in want are left to the server default.
func streamDrifted(have, want nats.StreamConfig) bool {
	if have.Retention != want.Retention || have.Storage != want.Storage || have.MaxAge != want.MaxAge {
		return true
	}
	if want.MaxMsgs != 0 && have.MaxMsgs != want.MaxMsgs {
		return true
	}
	if want.Duplicates != 0 && have.Duplicates != want.Duplicates {
		return true
	}
	return !slices.Equal(have.Subjects, want.Subjects)
}

// consumerDrifted is streamDrifted for durable consumers.
func consumerDrifted(have, want nats.ConsumerConfig) bool {
	if have.AckPolicy != want.AckPolicy || have.DeliverPolicy != want.DeliverPolicy ||
		have.FilterSubject != want.FilterSubject || have.MaxDeliver != want.MaxDeliver {
		return true
	}
	if want.AckWait != 0 && have.AckWait != want.AckWait {
		return true
	}
	if want.MaxAckPending != 0 && have.MaxAckPending != want.MaxAckPending {
		return true
	}
	return !slices.Equal(have.FilterSubjects, want.FilterSubjects)
}
