package model

import (
	"encoding/json"
	"time"
)

// InboundMessagesPayload is published on v1.messages.upsert and v1.history.messages.
type InboundMessagesPayload struct {
	CompanyID string             `json:"company_id,omitempty"`
	Contact   ConversationTarget `json:"contact" validate:"required"`
	Messages  []ProviderMessage  `json:"messages" validate:"required,min=1,dive"`
}

// MessageStatusPayload is published on v1.messages.update.
type MessageStatusPayload struct {
	CompanyID         string        `json:"company_id,omitempty"`
	Phone             string        `json:"phone" validate:"required,phone"`
	ProviderMessageID string        `json:"provider_message_id" validate:"required"`
	Status            MessageStatus `json:"status" validate:"required,oneof=sent delivered read failed"`
}

// ContactUpdatePayload is published on v1.contacts.upsert and v1.contacts.update.
// Nil fields are left untouched.
type ContactUpdatePayload struct {
	CompanyID string                 `json:"company_id,omitempty"`
	Phone     string                 `json:"phone" validate:"required,phone"`
	Name      *string                `json:"name,omitempty"`
	IsOnline  *bool                  `json:"is_online,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SendCommand asks the channel gateway to deliver a text message.
type SendCommand struct {
	Phone string `json:"phone" validate:"required,phone"`
	Text  string `json:"text" validate:"required"`
}

// SendReply is the gateway answer to a SendCommand.
type SendReply struct {
	Record MessageRecord `json:"record"`
	Error  string        `json:"error,omitempty"`
}

// FetchCommand asks the channel gateway for the most recent messages with a contact.
type FetchCommand struct {
	Phone string `json:"phone" validate:"required,phone"`
	Limit int    `json:"limit" validate:"min=1,max=500"`
}

// FetchReply is the gateway answer to a FetchCommand.
type FetchReply struct {
	Messages []ProviderMessage `json:"messages"`
	Error    string            `json:"error,omitempty"`
}

// DLQPayload represents the structure of messages sent to the Dead Letter Queue.
type DLQPayload struct {
	SourceSubject   string          `json:"source_subject"`
	Company         string          `json:"company"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	Error           string          `json:"error"`
	ErrorType       string          `json:"error_type"` // fatal, retryable or unknown
	RetryCount      uint64          `json:"retry_count"`
	MaxRetry        int             `json:"max_retry"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	Timestamp       time.Time       `json:"ts"`
}
