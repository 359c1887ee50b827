// Package conversation holds the lifecycle rules of a conversation and the service
// that applies explicit state changes through the store.
package conversation

import (
	"fmt"
	"time"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

// Transition moves conv to the requested status.
//
// Allowed moves: active -> pending, pending -> active, any -> resolved,
// resolved -> archived. Requesting the current status is a no-op and reports
// false. Reopening a resolved or archived conversation only happens through
// ApplyInbound.
func Transition(conv *model.Conversation, to model.ConversationStatus, now time.Time) (bool, error) {
	from := conv.Status
	if from == to {
		return false, nil
	}

	switch {
	case to == model.StatusResolved:
		resolvedAt := now
		conv.ResolvedAt = &resolvedAt
	case from == model.StatusActive && to == model.StatusPending:
	case from == model.StatusPending && to == model.StatusActive:
	case from == model.StatusResolved && to == model.StatusArchived:
	default:
		return false, fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, from, to)
	}

	conv.Status = to
	return true, nil
}

// ApplyInbound records an inbound message at ts. With reopen set, a resolved or
// archived conversation becomes active again whatever ts says, since provider
// timestamps may trail the resolution. Backfilled history passes reopen=false.
func ApplyInbound(conv *model.Conversation, ts time.Time, reopen bool) bool {
	changed := touch(conv, ts)
	if !reopen || !IsClosed(conv) {
		return changed
	}
	conv.Status = model.StatusActive
	conv.ResolvedAt = nil
	return true
}

// ApplyOutbound records an outbound message at ts. An agent or automated reply
// takes a pending conversation back to active.
func ApplyOutbound(conv *model.Conversation, ts time.Time) bool {
	changed := touchOutbound(conv, ts)
	if conv.Status == model.StatusPending {
		conv.Status = model.StatusActive
		changed = true
	}
	return changed
}

// ReplayActivity advances the activity timestamps for a message that is already
// stored. The status is left alone.
func ReplayActivity(conv *model.Conversation, direction model.Direction, ts time.Time) bool {
	if direction == model.DirectionOutbound {
		return touchOutbound(conv, ts)
	}
	return touch(conv, ts)
}

// IsClosed reports whether conv is resolved or archived.
func IsClosed(conv *model.Conversation) bool {
	return conv.Status == model.StatusResolved || conv.Status == model.StatusArchived
}

func touchOutbound(conv *model.Conversation, ts time.Time) bool {
	changed := touch(conv, ts)
	if conv.LastOutboundAt == nil || ts.After(*conv.LastOutboundAt) {
		at := ts
		conv.LastOutboundAt = &at
		changed = true
	}
	return changed
}

// touch advances LastMessageAt to ts when ts is newer.
func touch(conv *model.Conversation, ts time.Time) bool {
	if ts.After(conv.LastMessageAt) {
		conv.LastMessageAt = ts
		return true
	}
	return false
}
