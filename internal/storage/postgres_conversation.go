package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// EnsureConversation creates the active conversation of a contact unless it already exists.
func (r *PostgresRepo) EnsureConversation(ctx context.Context, contactID string) (*model.Conversation, bool, error) {
	candidate := model.Conversation{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Status:    model.StatusActive,
		Priority:  model.PriorityMedium,
		Tags:      datatypes.JSONSlice[string]{},
	}

	var (
		stored  model.Conversation
		created bool
	)
	err := r.run(ctx, commitRetryMaxElapsedTime, "ensure", "conversation", func() error {
		res := r.db.WithContext(ctx).
			Omit(clause.Associations).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "contact_id"}}, DoNothing: true}).
			Create(&candidate)
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		created = res.RowsAffected == 1
		err := r.db.WithContext(ctx).Preload("Contact").Where("contact_id = ?", contactID).First(&stored).Error
		return checkConstraintViolation(err)
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to ensure conversation", zap.String("contact_id", contactID), zap.Error(err))
		return nil, false, err
	}
	return &stored, created, nil
}

// FindConversationByID loads a conversation and its contact.
func (r *PostgresRepo) FindConversationByID(ctx context.Context, id string) (*model.Conversation, error) {
	return r.findConversation(ctx, "id = ?", id)
}

// FindConversationByContactID loads the conversation of a contact.
func (r *PostgresRepo) FindConversationByContactID(ctx context.Context, contactID string) (*model.Conversation, error) {
	return r.findConversation(ctx, "contact_id = ?", contactID)
}

func (r *PostgresRepo) findConversation(ctx context.Context, query string, arg interface{}) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.run(ctx, readRetryMaxElapsedTime, "find", "conversation", func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Preload("Contact").Where(query, arg).First(&conv).Error)
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// UpdateConversation writes the mutable columns of conv, including zero values.
func (r *PostgresRepo) UpdateConversation(ctx context.Context, conv model.Conversation) error {
	err := r.run(ctx, commitRetryMaxElapsedTime, "update", "conversation", func() error {
		res := r.db.WithContext(ctx).
			Model(&model.Conversation{ID: conv.ID}).
			Omit(clause.Associations).
			Select(model.ConversationUpdateColumns()).
			Updates(&conv)
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: conversation %s", apperrors.ErrNotFound, conv.ID)
		}
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to update conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	return err
}

// ListConversations returns conversations ordered by most recent activity.
func (r *PostgresRepo) ListConversations(ctx context.Context, filter model.ConversationFilter) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.run(ctx, readRetryMaxElapsedTime, "list", "conversation", func() error {
		q := r.db.WithContext(ctx).Preload("Contact")
		q = applyConversationFilter(q, filter)
		return checkConstraintViolation(q.Order("last_message_at DESC").Order("id").Find(&convs).Error)
	})
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func applyConversationFilter(q *gorm.DB, filter model.ConversationFilter) *gorm.DB {
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.AssignedOnly {
		q = q.Where("assigned_agent <> ''")
	}
	if filter.TransferredBefore != nil {
		q = q.Where("transferred_at IS NOT NULL AND transferred_at < ?", *filter.TransferredBefore).
			Where("(last_outbound_at IS NULL OR last_outbound_at < transferred_at)")
	}
	if filter.ResolvedBefore != nil {
		q = q.Where("resolved_at IS NOT NULL AND resolved_at < ?", *filter.ResolvedBefore)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	return q
}
