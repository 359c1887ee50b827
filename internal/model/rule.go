package model

import (
	"time"

	"gorm.io/gorm/schema"
)

type TriggerType string

const (
	TriggerKeyword      TriggerType = "keyword"
	TriggerTime         TriggerType = "time"
	TriggerSentiment    TriggerType = "sentiment"
	TriggerFirstMessage TriggerType = "first_message"
)

type ActionType string

const (
	ActionSendMessage   ActionType = "send_message"
	ActionTransferAgent ActionType = "transfer_agent"
	ActionAddTag        ActionType = "add_tag"
	ActionCreateTicket  ActionType = "create_ticket"
)

// AutomationRule pairs a trigger with an action. Rules are evaluated in Ordinal order.
type AutomationRule struct {
	ID           string      `json:"id" gorm:"primaryKey;type:text"`
	Name         string      `json:"name" gorm:"type:text;not null" validate:"required"`
	TriggerType  TriggerType `json:"trigger_type" gorm:"column:trigger_type;type:text;not null" validate:"required,oneof=keyword time sentiment first_message"`
	TriggerValue string      `json:"trigger_value" gorm:"column:trigger_value;type:text"`
	ActionType   ActionType  `json:"action_type" gorm:"column:action_type;type:text;not null" validate:"required,oneof=send_message transfer_agent add_tag create_ticket"`
	ActionValue  string      `json:"action_value" gorm:"column:action_value;type:text"`
	IsActive     bool        `json:"is_active" gorm:"column:is_active;not null;index"`
	Ordinal      int64       `json:"ordinal" gorm:"column:ordinal;not null;index"`
	CreatedAt    time.Time   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time   `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the AutomationRule model, respecting the Namer.
func (AutomationRule) TableName(namer schema.Namer) string {
	return namer.TableName("automation_rules")
}

// Action is the outcome of a matched rule.
type Action struct {
	RuleID   string     `json:"rule_id"`
	RuleName string     `json:"rule_name"`
	Type     ActionType `json:"type"`
	Value    string     `json:"value"`
}
