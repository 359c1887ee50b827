// Package automation evaluates automation rules against inbound messages and
// executes the action of the first matching rule.
package automation

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

// Evaluate returns the action of the first active rule, in (ordinal, id) order,
// whose trigger matches in. Malformed rules are skipped and reported in the
// returned errors; a nil action means nothing matched.
func Evaluate(rules []model.AutomationRule, in model.InboundContext) (*model.Action, []error) {
	ordered := make([]model.AutomationRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Ordinal != ordered[j].Ordinal {
			return ordered[i].Ordinal < ordered[j].Ordinal
		}
		return ordered[i].ID < ordered[j].ID
	})

	var errs []error
	for _, rule := range ordered {
		if err := ValidateAction(rule); err != nil {
			errs = append(errs, err)
			continue
		}
		ok, err := Matches(rule, in)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return &model.Action{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Type:     rule.ActionType,
				Value:    rule.ActionValue,
			}, errs
		}
	}
	return nil, errs
}

// Matches reports whether the trigger of rule fires for in.
func Matches(rule model.AutomationRule, in model.InboundContext) (bool, error) {
	value := strings.TrimSpace(rule.TriggerValue)

	switch rule.TriggerType {
	case model.TriggerKeyword:
		tokens := keywordTokens(value)
		if len(tokens) == 0 {
			return false, apperrors.NewRuleEvaluation(rule.ID, "keyword trigger has no keywords")
		}
		body := strings.ToLower(in.Message.Body)
		for _, tok := range tokens {
			if strings.Contains(body, tok) {
				return true, nil
			}
		}
		return false, nil

	case model.TriggerFirstMessage:
		return in.FirstInbound, nil

	case model.TriggerSentiment:
		want, err := parseSentiment(rule.ID, value)
		if err != nil {
			return false, err
		}
		return in.Conversation.Sentiment == want, nil

	case model.TriggerTime:
		minutes, err := parseMinutes(rule.ID, value)
		if err != nil {
			return false, err
		}
		if in.PreviousActivityAt.IsZero() {
			return false, nil
		}
		idle := in.Message.Timestamp.Sub(in.PreviousActivityAt)
		return int(idle/time.Minute) > minutes, nil

	default:
		return false, apperrors.NewRuleEvaluation(rule.ID, "unknown trigger type %q", rule.TriggerType)
	}
}

// ValidateTrigger checks that the trigger value can be evaluated.
func ValidateTrigger(rule model.AutomationRule) error {
	value := strings.TrimSpace(rule.TriggerValue)
	switch rule.TriggerType {
	case model.TriggerKeyword:
		if len(keywordTokens(value)) == 0 {
			return apperrors.NewRuleEvaluation(rule.ID, "keyword trigger has no keywords")
		}
	case model.TriggerSentiment:
		_, err := parseSentiment(rule.ID, value)
		return err
	case model.TriggerTime:
		_, err := parseMinutes(rule.ID, value)
		return err
	case model.TriggerFirstMessage:
	default:
		return apperrors.NewRuleEvaluation(rule.ID, "unknown trigger type %q", rule.TriggerType)
	}
	return nil
}

// ValidateAction checks that the action carries the value it needs.
func ValidateAction(rule model.AutomationRule) error {
	value := strings.TrimSpace(rule.ActionValue)
	switch rule.ActionType {
	case model.ActionSendMessage, model.ActionTransferAgent, model.ActionAddTag:
		if value == "" {
			return apperrors.NewRuleEvaluation(rule.ID, "%s action requires a value", rule.ActionType)
		}
	case model.ActionCreateTicket:
	default:
		return apperrors.NewRuleEvaluation(rule.ID, "unknown action type %q", rule.ActionType)
	}
	return nil
}

func keywordTokens(value string) []string {
	var tokens []string
	for _, tok := range strings.Split(value, ",") {
		if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// parseSentiment accepts positive, neutral, negative, and "null" or empty for no sentiment.
func parseSentiment(ruleID, value string) (model.Sentiment, error) {
	switch s := model.Sentiment(strings.ToLower(value)); s {
	case model.SentimentPositive, model.SentimentNeutral, model.SentimentNegative:
		return s, nil
	case "", "null":
		return "", nil
	default:
		return "", apperrors.NewRuleEvaluation(ruleID, "unknown sentiment %q", value)
	}
}

func parseMinutes(ruleID, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, apperrors.NewRuleEvaluation(ruleID, "time trigger needs a non-negative number of minutes, got %q", value)
	}
	return n, nil
}
