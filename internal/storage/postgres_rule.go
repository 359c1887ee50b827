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

// SaveRule inserts or replaces an automation rule by ID. The ordinal is kept on update.
func (r *PostgresRepo) SaveRule(ctx context.Context, rule model.AutomationRule) error {
	err := r.run(ctx, commitRetryMaxElapsedTime, "upsert", "rule", func() error {
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "trigger_type", "trigger_value", "action_type", "action_value", "is_active", "updated_at",
			}),
		}).Create(&rule)
		return checkConstraintViolation(res.Error)
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save automation rule", zap.String("rule_id", rule.ID), zap.Error(err))
	}
	return err
}

func (r *PostgresRepo) FindRuleByID(ctx context.Context, id string) (*model.AutomationRule, error) {
	var rule model.AutomationRule
	err := r.run(ctx, readRetryMaxElapsedTime, "find", "rule", func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("id = ?", id).First(&rule).Error)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *PostgresRepo) ListRules(ctx context.Context, activeOnly bool) ([]model.AutomationRule, error) {
	var rules []model.AutomationRule
	err := r.run(ctx, readRetryMaxElapsedTime, "list", "rule", func() error {
		q := r.db.WithContext(ctx)
		if activeOnly {
			q = q.Where("is_active = ?", true)
		}
		return checkConstraintViolation(q.Order("ordinal ASC").Order("id ASC").Find(&rules).Error)
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *PostgresRepo) DeleteRule(ctx context.Context, id string) error {
	return r.run(ctx, commitRetryMaxElapsedTime, "delete", "rule", func() error {
		res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.AutomationRule{})
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: rule %s", apperrors.ErrNotFound, id)
		}
		return nil
	})
}
