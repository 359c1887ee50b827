package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusPending  ConversationStatus = "pending"
	StatusResolved ConversationStatus = "resolved"
	StatusArchived ConversationStatus = "archived"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Sentiment of a conversation. The empty value means not yet classified.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Conversation is the single thread kept per contact.
type Conversation struct {
	ID             string                      `json:"id" gorm:"primaryKey;type:text"`
	ContactID      string                      `json:"contact_id" gorm:"column:contact_id;uniqueIndex;not null;type:text"`
	Status         ConversationStatus          `json:"status" gorm:"type:text;not null;index"`
	Priority       Priority                    `json:"priority" gorm:"type:text;not null"`
	Sentiment      Sentiment                   `json:"sentiment,omitempty" gorm:"type:text"`
	AssignedAgent  string                      `json:"assigned_agent,omitempty" gorm:"column:assigned_agent;type:text;index"`
	TransferredAt  *time.Time                  `json:"transferred_at,omitempty" gorm:"column:transferred_at"`
	ResolvedAt     *time.Time                  `json:"resolved_at,omitempty" gorm:"column:resolved_at;index"`
	LastMessageAt  time.Time                   `json:"last_message_at" gorm:"column:last_message_at;index"`
	LastOutboundAt *time.Time                  `json:"last_outbound_at,omitempty" gorm:"column:last_outbound_at"`
	Tags           datatypes.JSONSlice[string] `json:"tags,omitempty" gorm:"type:jsonb"`
	CreatedAt      time.Time                   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time                   `json:"updated_at" gorm:"autoUpdateTime"`

	Contact  *Contact  `json:"contact,omitempty" gorm:"foreignKey:ContactID;constraint:OnDelete:RESTRICT"`
	Messages []Message `json:"-" gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the Conversation model, respecting the Namer.
func (Conversation) TableName(namer schema.Namer) string {
	return namer.TableName("conversations")
}

// ConversationUpdateColumns lists the mutable columns written by lifecycle and activity updates.
func ConversationUpdateColumns() []string {
	return []string{
		"status", "priority", "sentiment", "assigned_agent", "transferred_at",
		"resolved_at", "last_message_at", "last_outbound_at", "tags", "updated_at",
	}
}

// Clone returns a copy that shares no mutable state with c.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Tags != nil {
		out.Tags = append(datatypes.JSONSlice[string]{}, c.Tags...)
	}
	if c.Contact != nil {
		contact := *c.Contact
		if c.Contact.Tags != nil {
			contact.Tags = append(datatypes.JSONSlice[string]{}, c.Contact.Tags...)
		}
		out.Contact = &contact
	}
	out.Messages = nil
	return out
}

// ConversationFilter narrows conversation listings.
type ConversationFilter struct {
	Status            ConversationStatus
	AssignedOnly      bool
	TransferredBefore *time.Time
	ResolvedBefore    *time.Time
	Limit             int
}
