package model

import (
	"strings"
	"time"
)

// EventType is a versioned NATS subject base, e.g. "v1.messages.upsert".
type EventType string

const (
	V1MessagesUpsert     EventType = "v1.messages.upsert"
	V1MessagesUpdate     EventType = "v1.messages.update"
	V1ContactsUpsert     EventType = "v1.contacts.upsert"
	V1ContactsUpdate     EventType = "v1.contacts.update"
	V1HistoricalMessages EventType = "v1.history.messages"

	V1TicketsCreate EventType = "v1.tickets.create"
	V1CommandsSend  EventType = "v1.commands.send"
	V1CommandsFetch EventType = "v1.commands.fetch"
)

var knownEventTypes = map[EventType]struct{}{
	V1MessagesUpsert:     {},
	V1MessagesUpdate:     {},
	V1ContactsUpsert:     {},
	V1ContactsUpdate:     {},
	V1HistoricalMessages: {},
}

// MapToBaseEventType maps a subject, optionally suffixed with a company ID
// ("v1.messages.upsert.acme"), to its base EventType.
func MapToBaseEventType(input string) (EventType, bool) {
	if _, ok := knownEventTypes[EventType(input)]; ok {
		return EventType(input), true
	}
	lastDot := strings.LastIndex(input, ".")
	if lastDot <= 0 {
		return "", false
	}
	base := EventType(input[:lastDot])
	if _, ok := knownEventTypes[base]; ok {
		return base, true
	}
	return "", false
}

// GetVersion returns the "vN" prefix of the event type, or "".
func (e EventType) GetVersion() string {
	parts := strings.SplitN(string(e), ".", 2)
	if len(parts) < 2 {
		return ""
	}
	if len(parts[0]) >= 2 && parts[0][0] == 'v' {
		return parts[0]
	}
	return ""
}

// GetBaseType returns the event type without its version prefix.
func (e EventType) GetBaseType() EventType {
	version := e.GetVersion()
	if version == "" {
		return e
	}
	return EventType(strings.TrimPrefix(string(e), version+"."))
}

// ForCompany returns the tenant-scoped subject for e.
func (e EventType) ForCompany(companyID string) string {
	return string(e) + "." + companyID
}

// MessageMetadata carries JetStream delivery details of the message being handled.
type MessageMetadata struct {
	ConsumerSequence uint64
	StreamSequence   uint64
	NumDelivered     uint64
	NumPending       uint64
	Timestamp        time.Time
	Stream           string
	Consumer         string
	Domain           string
	MessageID        string
	MessageSubject   string
	CompanyID        string
}

// ConversationDelta is what changed in one conversation after a synchronizer or lifecycle write.
type ConversationDelta struct {
	Conversation    Conversation `json:"conversation"`
	AddedMessages   []Message    `json:"added_messages,omitempty"`
	UpdatedMessages []Message    `json:"updated_messages,omitempty"`
}

// InboundContext is what the rule engine sees for one newly persisted inbound message.
type InboundContext struct {
	Target       ConversationTarget
	Message      Message
	Conversation Conversation

	// PreviousActivityAt is lastMessageAt as it was before this message arrived;
	// zero for a new conversation.
	PreviousActivityAt time.Time
	// FirstInbound is set when no inbound message was recorded before this one.
	FirstInbound bool
}

// TicketEvent is published to the ticketing collaborator by the create_ticket action.
type TicketEvent struct {
	ID             string    `json:"id"`
	CompanyID      string    `json:"company_id"`
	ConversationID string    `json:"conversation_id"`
	ContactPhone   string    `json:"contact_phone"`
	RuleID         string    `json:"rule_id"`
	Subject        string    `json:"subject"`
	MessageID      string    `json:"message_id"`
	MessageBody    string    `json:"message_body"`
	CreatedAt      time.Time `json:"created_at"`
}
