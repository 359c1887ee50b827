package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Contact is a customer reachable through the messaging channel, identified by phone.
type Contact struct {
	ID        string                      `json:"id" gorm:"primaryKey;type:text"`
	Phone     string                      `json:"phone" gorm:"column:phone;uniqueIndex;not null;type:text" validate:"required"`
	Name      string                      `json:"name,omitempty" gorm:"type:text"`
	Tags      datatypes.JSONSlice[string] `json:"tags,omitempty" gorm:"type:jsonb"`
	IsOnline  bool                        `json:"is_online" gorm:"column:is_online;not null;default:false"`
	Metadata  datatypes.JSONMap           `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt time.Time                   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time                   `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the Contact model, respecting the Namer.
func (Contact) TableName(namer schema.Namer) string {
	return namer.TableName("contacts")
}

// ConversationTarget addresses the contact a batch of provider messages belongs to.
type ConversationTarget struct {
	Phone string `json:"phone" validate:"required,phone"`
	Name  string `json:"name,omitempty"`
}

// NormalizePhone strips whitespace and the WhatsApp JID suffix from a phone identifier.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if i := strings.IndexByte(phone, '@'); i >= 0 {
		phone = phone[:i]
	}
	return strings.NewReplacer(" ", "", "-", "").Replace(phone)
}

// AddTag returns tags with tag appended when it is not already present.
// The boolean reports whether the set changed.
func AddTag(tags datatypes.JSONSlice[string], tag string) (datatypes.JSONSlice[string], bool) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return tags, false
	}
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return tags, false
		}
	}
	return append(tags, tag), true
}
