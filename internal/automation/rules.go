package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

// RuleEngine manages the persisted rules and selects the action for an inbound message.
type RuleEngine struct {
	store storage.RuleRepo
	log   *zap.Logger
	now   func() time.Time

	// mu serializes rule saves so two creations never draw the same ordinal.
	mu sync.Mutex
}

func NewRuleEngine(store storage.RuleRepo, log *zap.Logger) *RuleEngine {
	return &RuleEngine{store: store, log: log.Named("rule_engine"), now: utils.Now}
}

// ListRules returns rules in evaluation order.
func (e *RuleEngine) ListRules(ctx context.Context, activeOnly bool) ([]model.AutomationRule, error) {
	return e.store.ListRules(ctx, activeOnly)
}

// UpsertRule validates and stores rule. A rule without ID is created and placed
// strictly after every stored rule; an existing rule keeps its ordinal.
func (e *RuleEngine) UpsertRule(ctx context.Context, rule model.AutomationRule) (*model.AutomationRule, error) {
	log := logger.FromContextOr(ctx, e.log)

	if err := validator.Validate(rule); err != nil {
		return nil, err
	}
	if err := ValidateTrigger(rule); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
	}
	if err := ValidateAction(rule); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	assign := rule.ID == ""
	if assign {
		rule.ID = uuid.NewString()
	} else {
		existing, err := e.store.FindRuleByID(ctx, rule.ID)
		switch {
		case err == nil:
			rule.Ordinal = existing.Ordinal
		case apperrors.IsNotFoundError(err):
			assign = true
		default:
			return nil, err
		}
	}
	if assign {
		ordinal, err := e.nextOrdinal(ctx)
		if err != nil {
			log.Error("Failed to load rules for ordering", zap.Error(err))
			return nil, err
		}
		rule.Ordinal = ordinal
	}

	if err := e.store.SaveRule(ctx, rule); err != nil {
		log.Error("Failed to save automation rule", zap.String("rule_id", rule.ID), zap.Error(err))
		return nil, err
	}
	log.Info("Automation rule saved",
		zap.String("rule_id", rule.ID),
		zap.String("trigger", string(rule.TriggerType)),
		zap.String("action", string(rule.ActionType)),
		zap.Bool("active", rule.IsActive),
	)
	return e.store.FindRuleByID(ctx, rule.ID)
}

// nextOrdinal is the creation clock, raised above the largest stored ordinal so the
// order holds when clocks repeat or run behind another instance.
func (e *RuleEngine) nextOrdinal(ctx context.Context) (int64, error) {
	rules, err := e.store.ListRules(ctx, false)
	if err != nil {
		return 0, err
	}
	next := e.now().UnixNano()
	if n := len(rules); n > 0 && rules[n-1].Ordinal >= next {
		next = rules[n-1].Ordinal + 1
	}
	return next, nil
}

func (e *RuleEngine) DeleteRule(ctx context.Context, id string) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	logger.FromContextOr(ctx, e.log).Info("Automation rule deleted", zap.String("rule_id", id))
	return nil
}

// Evaluate selects the action for one inbound message. Malformed rules are logged
// and skipped; only a failure to load the rules is returned.
func (e *RuleEngine) Evaluate(ctx context.Context, in model.InboundContext) (*model.Action, error) {
	log := logger.FromContextOr(ctx, e.log).With(zap.String("message_id", in.Message.ID))

	rules, err := e.store.ListRules(ctx, true)
	if err != nil {
		log.Error("Failed to load automation rules", zap.Error(err))
		return nil, err
	}

	action, ruleErrs := Evaluate(rules, in)
	for _, rerr := range ruleErrs {
		observer.IncRuleError()
		log.Warn("Skipping malformed automation rule", zap.Error(rerr))
	}
	if action == nil {
		return nil, nil
	}

	var trigger model.TriggerType
	for _, r := range rules {
		if r.ID == action.RuleID {
			trigger = r.TriggerType
			break
		}
	}
	observer.IncRuleMatch(string(trigger), string(action.Type))
	log.Info("Automation rule matched",
		zap.String("rule_id", action.RuleID),
		zap.String("rule_name", action.RuleName),
		zap.String("action", string(action.Type)),
	)
	return action, nil
}
