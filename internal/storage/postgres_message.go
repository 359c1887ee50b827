package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

// InsertMessageIfAbsent inserts msg unless (conversation_id, dedup_key) is already taken.
func (r *PostgresRepo) InsertMessageIfAbsent(ctx context.Context, msg model.Message) error {
	err := r.run(ctx, commitRetryMaxElapsedTime, "insert", "message", func() error {
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "dedup_key"}},
				DoNothing: true,
			}).
			Create(&msg)
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrDedupConflict
		}
		return nil
	})
	if err != nil && !apperrors.IsDedupConflict(err) {
		logger.FromContext(ctx).Error("Failed to insert message",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("dedup_key", msg.DedupKey),
			zap.Error(err))
	}
	return err
}

// FindMessageByDedupKey loads the message stored under (conversation_id, dedup_key).
func (r *PostgresRepo) FindMessageByDedupKey(ctx context.Context, conversationID, dedupKey string) (*model.Message, error) {
	var msg model.Message
	err := r.run(ctx, readRetryMaxElapsedTime, "find", "message", func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).
			Where("conversation_id = ? AND dedup_key = ?", conversationID, dedupKey).
			Take(&msg).Error)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns the last limit messages of a conversation in (timestamp, id) order.
func (r *PostgresRepo) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.run(ctx, readRetryMaxElapsedTime, "list", "message", func() error {
		q := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
		if limit > 0 {
			q = q.Order("timestamp DESC").Order("id DESC").Limit(limit)
		} else {
			q = q.Order("timestamp ASC").Order("id ASC")
		}
		return checkConstraintViolation(q.Find(&msgs).Error)
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// HasInbound reports whether the conversation already holds an inbound message.
func (r *PostgresRepo) HasInbound(ctx context.Context, conversationID string) (bool, error) {
	var found bool
	err := r.run(ctx, readRetryMaxElapsedTime, "exists", "message", func() error {
		var msg model.Message
		err := r.db.WithContext(ctx).
			Select("id").
			Where("conversation_id = ? AND direction = ?", conversationID, model.DirectionInbound).
			Take(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return checkConstraintViolation(err)
		}
		found = true
		return nil
	})
	return found, err
}

// UpdateMessageStatus moves a message to status when the transition is forward.
func (r *PostgresRepo) UpdateMessageStatus(ctx context.Context, conversationID, providerMessageID string, status model.MessageStatus) (*model.Message, bool, error) {
	var (
		msg     model.Message
		applied bool
	)
	err := r.run(ctx, commitRetryMaxElapsedTime, "update_status", "message", func() error {
		applied = false
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("conversation_id = ? AND provider_message_id = ?", conversationID, providerMessageID).
				First(&msg).Error
			if err != nil {
				return checkConstraintViolation(err)
			}
			if !msg.Status.CanTransitionTo(status) {
				return nil
			}
			now := utils.Now()
			res := tx.Model(&model.Message{}).
				Where("id = ?", msg.ID).
				Updates(map[string]interface{}{"status": status, "updated_at": now})
			if res.Error != nil {
				return checkConstraintViolation(res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: message %s", apperrors.ErrNotFound, msg.ID)
			}
			msg.Status = status
			msg.UpdatedAt = now
			applied = true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return &msg, applied, nil
}
