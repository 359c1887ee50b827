package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// SaveKnowledge inserts or replaces a knowledge entry by ID.
func (r *PostgresRepo) SaveKnowledge(ctx context.Context, entry model.KnowledgeEntry) error {
	err := r.run(ctx, commitRetryMaxElapsedTime, "upsert", "knowledge", func() error {
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "content", "category", "tags", "is_active", "embedding", "updated_at"}),
		}).Create(&entry)
		return checkConstraintViolation(res.Error)
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save knowledge entry", zap.String("entry_id", entry.ID), zap.Error(err))
	}
	return err
}

func (r *PostgresRepo) FindKnowledgeByID(ctx context.Context, id string) (*model.KnowledgeEntry, error) {
	var entry model.KnowledgeEntry
	err := r.run(ctx, readRetryMaxElapsedTime, "find", "knowledge", func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListKnowledge returns entries, most recently updated first.
func (r *PostgresRepo) ListKnowledge(ctx context.Context, activeOnly bool) ([]model.KnowledgeEntry, error) {
	var entries []model.KnowledgeEntry
	err := r.run(ctx, readRetryMaxElapsedTime, "list", "knowledge", func() error {
		q := r.db.WithContext(ctx)
		if activeOnly {
			q = q.Where("is_active = ?", true)
		}
		return checkConstraintViolation(q.Order("updated_at DESC").Order("id").Find(&entries).Error)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *PostgresRepo) DeleteKnowledge(ctx context.Context, id string) error {
	return r.run(ctx, commitRetryMaxElapsedTime, "delete", "knowledge", func() error {
		res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.KnowledgeEntry{})
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: knowledge entry %s", apperrors.ErrNotFound, id)
		}
		return nil
	})
}
