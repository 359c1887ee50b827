package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// ExhaustedEvent is a dead-lettered event that ran out of replay attempts.
// It is kept for manual inspection.
type ExhaustedEvent struct {
	ID              uint           `gorm:"primaryKey"`
	CreatedAt       time.Time
	CompanyID       string         `gorm:"not null"`
	SourceSubject   string         `gorm:"index;not null"`
	LastError       string
	RetryCount      int
	EventTimestamp  time.Time      `gorm:"index"`
	DLQPayload      datatypes.JSON `gorm:"type:jsonb;not null"`
	OriginalPayload datatypes.JSON `gorm:"type:jsonb"`
	Resolved        bool           `gorm:"index;default:false"`
	ResolvedAt      *time.Time     `gorm:"index"`
	Notes           string         `gorm:"type:text"`
}

// TableName specifies the table name for the ExhaustedEvent model, respecting the Namer.
func (ExhaustedEvent) TableName(namer schema.Namer) string {
	return namer.TableName("exhausted_events")
}
