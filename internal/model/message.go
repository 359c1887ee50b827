package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
)

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// CanTransitionTo reports whether a delivery status may move from s to next.
// Progress is monotonic (sent, delivered, read); failed is reachable from any state before read.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if s == next {
		return false
	}
	if s == MessageStatusFailed {
		return false
	}
	if next == MessageStatusFailed {
		return s != MessageStatusRead
	}
	cur, ok := statusRank[s]
	if !ok {
		return statusRank[next] > 0
	}
	return statusRank[next] > cur
}

// messageNamespace seeds deterministic message IDs so the same dedup key always maps to the same row.
var messageNamespace = uuid.MustParse("6f1d3b52-7a0e-4a8e-9f57-2c8d0e4b9a11")

// Message is one persisted message of a conversation. Only Status changes after insert.
type Message struct {
	ID                string            `json:"id" gorm:"primaryKey;type:text"`
	ConversationID    string            `json:"conversation_id" gorm:"column:conversation_id;not null;type:text;uniqueIndex:idx_messages_dedup,priority:1;index:idx_messages_order,priority:1"`
	DedupKey          string            `json:"dedup_key" gorm:"column:dedup_key;not null;type:text;uniqueIndex:idx_messages_dedup,priority:2"`
	ProviderMessageID *string           `json:"provider_message_id,omitempty" gorm:"column:provider_message_id;type:text;index"`
	Direction         Direction         `json:"direction" gorm:"type:text;not null"`
	Body              string            `json:"body" gorm:"type:text"`
	Type              MessageType       `json:"type" gorm:"type:text;not null"`
	Status            MessageStatus     `json:"status" gorm:"type:text;not null"`
	Timestamp         time.Time         `json:"timestamp" gorm:"column:timestamp;not null;index:idx_messages_order,priority:2"`
	Metadata          datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt         time.Time         `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt         time.Time         `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the Message model, respecting the Namer.
func (Message) TableName(namer schema.Namer) string {
	return namer.TableName("messages")
}

// MessageLess orders messages by (timestamp, id).
func MessageLess(a, b Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// ProviderMessage is a message as reported by the messaging channel.
type ProviderMessage struct {
	ProviderMessageID string                 `json:"provider_message_id,omitempty"`
	Direction         Direction              `json:"direction" validate:"required,oneof=inbound outbound"`
	Body              string                 `json:"body"`
	Type              MessageType            `json:"type,omitempty" validate:"omitempty,oneof=text image audio video document"`
	Status            MessageStatus          `json:"status,omitempty" validate:"omitempty,oneof=sent delivered read failed"`
	Timestamp         time.Time              `json:"timestamp" validate:"required"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// DedupKey returns the provider message ID, or a content hash of direction, body and
// the timestamp rounded down to the second when the provider did not supply one.
func (p ProviderMessage) DedupKey() string {
	if id := strings.TrimSpace(p.ProviderMessageID); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", p.Direction, p.Body, p.Timestamp.Unix())))
	return "h:" + hex.EncodeToString(sum[:])
}

// ToMessage materialises p as a Message of the given conversation.
func (p ProviderMessage) ToMessage(conversationID string) Message {
	key := p.DedupKey()
	msg := Message{
		ID:             MessageID(conversationID, key),
		ConversationID: conversationID,
		DedupKey:       key,
		Direction:      p.Direction,
		Body:           p.Body,
		Type:           p.Type,
		Status:         p.Status,
		Timestamp:      p.Timestamp.UTC(),
	}
	if p.ProviderMessageID != "" {
		id := p.ProviderMessageID
		msg.ProviderMessageID = &id
	}
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	if msg.Status == "" {
		msg.Status = MessageStatusSent
	}
	if len(p.Metadata) > 0 {
		msg.Metadata = datatypes.JSONMap(p.Metadata)
	}
	return msg
}

// MessageID derives the stable ID of a message from its conversation and dedup key.
func MessageID(conversationID, dedupKey string) string {
	return uuid.NewSHA1(messageNamespace, []byte(conversationID+"/"+dedupKey)).String()
}

// MessageRecord is the channel acknowledgement of a sent message.
type MessageRecord struct {
	ProviderMessageID string        `json:"provider_message_id"`
	Status            MessageStatus `json:"status"`
	Timestamp         time.Time     `json:"timestamp"`
}

// ToProviderMessage converts a send acknowledgement into an outbound provider message.
func (r MessageRecord) ToProviderMessage(body string) ProviderMessage {
	status := r.Status
	if status == "" {
		status = MessageStatusSent
	}
	return ProviderMessage{
		ProviderMessageID: r.ProviderMessageID,
		Direction:         DirectionOutbound,
		Body:              body,
		Type:              MessageTypeText,
		Status:            status,
		Timestamp:         r.Timestamp,
	}
}
