package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Conversation engine error taxonomy.
var (
	// ErrDedupConflict marks a message whose dedup key is already persisted. Callers skip it.
	ErrDedupConflict = errors.New("dedup conflict")
	// ErrPersistence indicates a store write failed for a single item.
	ErrPersistence = errors.New("persistence failure")
	// ErrGenerationFailed indicates a reply could not be produced or dispatched.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrRuleEvaluation indicates an automation rule is malformed.
	ErrRuleEvaluation = errors.New("rule evaluation error")
	// ErrChannelUnavailable indicates the messaging channel cannot be reached.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrInvalidTransition indicates a lifecycle transition that is not allowed from the current status.
	ErrInvalidTransition = fmt.Errorf("invalid status transition: %w", ErrConflict)
)

// PersistenceFailure names one message that could not be stored during ingestion.
type PersistenceFailure struct {
	Key string
	Err error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persist message %s: %v", e.Key, e.Err)
}

func (e *PersistenceFailure) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// GenerationFailedError carries the stage (retrieve, complete, send) at which reply generation failed.
type GenerationFailedError struct {
	Stage string
	Err   error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("generation failed at %s: %v", e.Stage, e.Err)
}

func (e *GenerationFailedError) Unwrap() []error {
	return []error{ErrGenerationFailed, e.Err}
}

// NewGenerationFailed wraps err as a GenerationFailedError for the given stage.
func NewGenerationFailed(stage string, err error) error {
	return &GenerationFailedError{Stage: stage, Err: err}
}

// RuleEvaluationError reports a rule that could not be evaluated.
type RuleEvaluationError struct {
	RuleID string
	Reason string
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
}

func (e *RuleEvaluationError) Unwrap() error {
	return ErrRuleEvaluation
}

// NewRuleEvaluation builds a RuleEvaluationError with a formatted reason.
func NewRuleEvaluation(ruleID, reason string, args ...interface{}) error {
	return &RuleEvaluationError{RuleID: ruleID, Reason: fmt.Sprintf(reason, args...)}
}

// NewChannelUnavailable wraps err so that errors.Is(err, ErrChannelUnavailable) holds.
func NewChannelUnavailable(err error, message string, args ...interface{}) error {
	return fmt.Errorf("%s: %w: %w", fmt.Sprintf(message, args...), ErrChannelUnavailable, err)
}

// PartialFailure aggregates per-item failures of a batch operation.
type PartialFailure struct {
	Failures []*PersistenceFailure
}

func (e *PartialFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%d message(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *PartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// IsDedupConflict checks if the error is or wraps ErrDedupConflict.
func IsDedupConflict(err error) bool {
	return errors.Is(err, ErrDedupConflict)
}

// IsGenerationFailed checks if the error is or wraps ErrGenerationFailed.
func IsGenerationFailed(err error) bool {
	return errors.Is(err, ErrGenerationFailed)
}

// IsRuleEvaluationError checks if the error is or wraps ErrRuleEvaluation.
func IsRuleEvaluationError(err error) bool {
	return errors.Is(err, ErrRuleEvaluation)
}

// IsChannelUnavailable checks if the error is or wraps ErrChannelUnavailable.
func IsChannelUnavailable(err error) bool {
	return errors.Is(err, ErrChannelUnavailable)
}
