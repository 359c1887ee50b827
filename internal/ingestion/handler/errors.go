package handler

import (
	"encoding/json"
	"fmt"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/validator"
)

// decode unmarshals and validates a payload. Both failures are fatal: a redelivery
// cannot fix a malformed event.
func decode(rawEvent []byte, v interface{}, what string) error {
	if err := json.Unmarshal(rawEvent, v); err != nil {
		return apperrors.NewFatal(err, "failed to unmarshal %s payload", what)
	}
	if err := validator.Validate(v); err != nil {
		return apperrors.NewFatal(err, "invalid %s payload", what)
	}
	return nil
}

// classify wraps an engine error for the ack decision. Errors that can heal on a
// redelivery (store, channel, partial ingestion) are retryable; the rest are fatal.
func classify(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case apperrors.IsRetryable(err), apperrors.IsFatal(err):
		return err
	case apperrors.IsValidationError(err), apperrors.IsBadRequestError(err):
		return apperrors.NewFatal(err, "%s rejected", what)
	default:
		return apperrors.NewRetryable(err, "%s failed", what)
	}
}

// keyOf returns the normalized phone of an event, or a fatal error when it has none.
func keyOf(phone string, eventType model.EventType) (string, error) {
	key := model.NormalizePhone(phone)
	if key == "" {
		return "", apperrors.NewFatal(fmt.Errorf("%w: phone is required", apperrors.ErrValidation), "no partition key for %s", eventType)
	}
	return key, nil
}
