package model

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// FakePhone returns an E.164 Brazilian mobile number.
func FakePhone() string {
	return "+5511" + gofakeit.Numerify("9########")
}

// NewContact creates a Contact with fake data. Non-zero fields of the override win.
func NewContact(overrideDefaults ...*Contact) *Contact {
	base := &Contact{
		ID:        uuid.NewString(),
		Phone:     FakePhone(),
		Name:      gofakeit.Name(),
		Tags:      datatypes.JSONSlice[string]{},
		Metadata:  datatypes.JSONMap{"source": "whatsapp"},
		CreatedAt: utils.Now().Add(-time.Duration(gofakeit.Number(1, 100)) * time.Hour),
		UpdatedAt: utils.Now(),
	}
	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.Phone != "" {
			base.Phone = ovr.Phone
		}
		if ovr.Name != "" {
			base.Name = ovr.Name
		}
		if ovr.Tags != nil {
			base.Tags = ovr.Tags
		}
		if ovr.Metadata != nil {
			base.Metadata = ovr.Metadata
		}
		base.IsOnline = ovr.IsOnline
	}
	return base
}

// NewConversation creates an active Conversation with fake data.
func NewConversation(overrideDefaults ...*Conversation) *Conversation {
	base := &Conversation{
		ID:            uuid.NewString(),
		ContactID:     uuid.NewString(),
		Status:        StatusActive,
		Priority:      PriorityMedium,
		LastMessageAt: utils.Now().Add(-time.Duration(gofakeit.Number(1, 60)) * time.Minute),
		Tags:          datatypes.JSONSlice[string]{},
		CreatedAt:     utils.Now().Add(-24 * time.Hour),
		UpdatedAt:     utils.Now(),
	}
	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.ContactID != "" {
			base.ContactID = ovr.ContactID
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if ovr.Priority != "" {
			base.Priority = ovr.Priority
		}
		if !ovr.LastMessageAt.IsZero() {
			base.LastMessageAt = ovr.LastMessageAt
		}
		if ovr.Tags != nil {
			base.Tags = ovr.Tags
		}
		base.Sentiment = ovr.Sentiment
		base.AssignedAgent = ovr.AssignedAgent
		base.TransferredAt = ovr.TransferredAt
		base.ResolvedAt = ovr.ResolvedAt
		base.LastOutboundAt = ovr.LastOutboundAt
		base.Contact = ovr.Contact
	}
	return base
}

// NewProviderMessage creates an inbound text ProviderMessage with fake data.
func NewProviderMessage(overrideDefaults ...*ProviderMessage) *ProviderMessage {
	base := &ProviderMessage{
		ProviderMessageID: "wamid." + gofakeit.LetterN(16),
		Direction:         DirectionInbound,
		Body:              gofakeit.Sentence(6),
		Type:              MessageTypeText,
		Status:            MessageStatusDelivered,
		Timestamp:         utils.Now().Add(-time.Duration(gofakeit.Number(1, 600)) * time.Second).Truncate(time.Second),
	}
	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		base.ProviderMessageID = ovr.ProviderMessageID
		if ovr.Direction != "" {
			base.Direction = ovr.Direction
		}
		if ovr.Body != "" {
			base.Body = ovr.Body
		}
		if ovr.Type != "" {
			base.Type = ovr.Type
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if !ovr.Timestamp.IsZero() {
			base.Timestamp = ovr.Timestamp
		}
		base.Metadata = ovr.Metadata
	}
	return base
}

// NewMessage creates a persisted-shape Message for conversationID.
func NewMessage(conversationID string, overrideDefaults ...*ProviderMessage) *Message {
	msg := NewProviderMessage(overrideDefaults...).ToMessage(conversationID)
	return &msg
}

// NewKnowledgeEntry creates an active KnowledgeEntry with fake data.
func NewKnowledgeEntry(overrideDefaults ...*KnowledgeEntry) *KnowledgeEntry {
	base := &KnowledgeEntry{
		ID:        uuid.NewString(),
		Title:     gofakeit.Sentence(4),
		Content:   gofakeit.Paragraph(1, 3, 12, " "),
		Category:  gofakeit.RandomString([]string{"billing", "shipping", "returns", "general"}),
		Tags:      datatypes.JSONSlice[string]{gofakeit.Word()},
		IsActive:  true,
		CreatedAt: utils.Now().Add(-48 * time.Hour),
		UpdatedAt: utils.Now().Add(-time.Duration(gofakeit.Number(1, 48)) * time.Hour),
	}
	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.Title != "" {
			base.Title = ovr.Title
		}
		if ovr.Content != "" {
			base.Content = ovr.Content
		}
		if ovr.Category != "" {
			base.Category = ovr.Category
		}
		if !ovr.UpdatedAt.IsZero() {
			base.UpdatedAt = ovr.UpdatedAt
		}
		base.IsActive = ovr.IsActive
		base.Embedding = ovr.Embedding
	}
	return base
}

// NewAutomationRule creates an active keyword rule with fake data.
func NewAutomationRule(overrideDefaults ...*AutomationRule) *AutomationRule {
	base := &AutomationRule{
		ID:           uuid.NewString(),
		Name:         gofakeit.BuzzWord(),
		TriggerType:  TriggerKeyword,
		TriggerValue: gofakeit.Word(),
		ActionType:   ActionSendMessage,
		ActionValue:  gofakeit.Sentence(5),
		IsActive:     true,
		Ordinal:      utils.Now().UnixNano(),
	}
	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.Name != "" {
			base.Name = ovr.Name
		}
		if ovr.TriggerType != "" {
			base.TriggerType = ovr.TriggerType
		}
		if ovr.ActionType != "" {
			base.ActionType = ovr.ActionType
		}
		if ovr.Ordinal != 0 {
			base.Ordinal = ovr.Ordinal
		}
		base.TriggerValue = ovr.TriggerValue
		base.ActionValue = ovr.ActionValue
		base.IsActive = ovr.IsActive
	}
	return base
}
