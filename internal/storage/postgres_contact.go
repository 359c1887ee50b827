package storage

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// EnsureContact inserts a contact for phone if none exists and returns the stored row.
// Concurrent callers converge on the same row through ON CONFLICT DO NOTHING.
func (r *PostgresRepo) EnsureContact(ctx context.Context, phone, name string) (*model.Contact, error) {
	candidate := model.Contact{
		ID:       uuid.NewString(),
		Phone:    phone,
		Name:     name,
		Tags:     datatypes.JSONSlice[string]{},
		Metadata: datatypes.JSONMap{},
	}

	var stored model.Contact
	err := r.run(ctx, commitRetryMaxElapsedTime, "ensure", "contact", func() error {
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "phone"}}, DoNothing: true}).
			Create(&candidate)
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if err := r.db.WithContext(ctx).Where("phone = ?", phone).First(&stored).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to ensure contact", zap.String("phone", phone), zap.Error(err))
		return nil, err
	}
	return &stored, nil
}

// FindContactByPhone finds a contact by its normalized phone.
func (r *PostgresRepo) FindContactByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	return r.findContact(ctx, "phone = ?", phone)
}

// FindContactByID finds a contact by ID.
func (r *PostgresRepo) FindContactByID(ctx context.Context, id string) (*model.Contact, error) {
	return r.findContact(ctx, "id = ?", id)
}

func (r *PostgresRepo) findContact(ctx context.Context, query string, arg interface{}) (*model.Contact, error) {
	var contact model.Contact
	err := r.run(ctx, readRetryMaxElapsedTime, "find", "contact", func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where(query, arg).First(&contact).Error)
	})
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// SaveContact upserts a contact by phone, overwriting its profile fields.
func (r *PostgresRepo) SaveContact(ctx context.Context, contact model.Contact) error {
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	err := r.run(ctx, commitRetryMaxElapsedTime, "upsert", "contact", func() error {
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "phone"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "is_online", "tags", "metadata", "updated_at"}),
		}).Create(&contact)
		return checkConstraintViolation(res.Error)
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save contact", zap.String("phone", contact.Phone), zap.Error(err))
	}
	return err
}
