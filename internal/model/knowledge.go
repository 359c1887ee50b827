package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// KnowledgeEntry is a piece of reference content used to ground automated replies.
type KnowledgeEntry struct {
	ID        string                       `json:"id" gorm:"primaryKey;type:text"`
	Title     string                       `json:"title" gorm:"type:text;not null" validate:"required,max=200"`
	Content   string                       `json:"content" gorm:"type:text;not null" validate:"required"`
	Category  string                       `json:"category,omitempty" gorm:"type:text;index"`
	Tags      datatypes.JSONSlice[string]  `json:"tags,omitempty" gorm:"type:jsonb"`
	IsActive  bool                         `json:"is_active" gorm:"column:is_active;not null;index"`
	Embedding datatypes.JSONSlice[float32] `json:"-" gorm:"type:jsonb"`
	CreatedAt time.Time                    `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time                    `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the KnowledgeEntry model, respecting the Namer.
func (KnowledgeEntry) TableName(namer schema.Namer) string {
	return namer.TableName("knowledge_entries")
}

// Document is the text that gets embedded for similarity search.
func (k KnowledgeEntry) Document() string {
	return k.Title + "\n" + k.Content
}

// ScoredEntry is a retrieval hit. Similarity is within [0,1].
type ScoredEntry struct {
	Entry      KnowledgeEntry `json:"entry"`
	Similarity float64        `json:"similarity"`
}
