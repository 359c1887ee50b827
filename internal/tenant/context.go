package tenant

import (
	"context"
	"errors"
)

type contextKey string

const (
	companyIDKey       contextKey = "companyID"
	requestIDKey       contextKey = "requestID"
	conversationKeyKey contextKey = "conversationKey"
)

var (
	// ErrCompanyIDNotFound is returned when no company ID is found in context.
	ErrCompanyIDNotFound = errors.New("company ID not found in context")
	// ErrNoRequestIDInContext is returned when no request ID is found in context.
	ErrNoRequestIDInContext = errors.New("no request ID found in context")
)

// WithCompanyID scopes ctx to a company (WhatsApp instance owner).
func WithCompanyID(ctx context.Context, companyID string) context.Context {
	return context.WithValue(ctx, companyIDKey, companyID)
}

// FromContext extracts the company ID from ctx.
func FromContext(ctx context.Context) (string, error) {
	companyID, ok := ctx.Value(companyIDKey).(string)
	if !ok || companyID == "" {
		return "", ErrCompanyIDNotFound
	}
	return companyID, nil
}

// WithRequestID attaches a request/event ID used for log correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromRequestIDContext extracts the request ID from ctx.
func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}

// WithConversationKey records the dispatcher partition (contact phone) the work runs on.
func WithConversationKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, conversationKeyKey, key)
}

// ConversationKey returns the partition key set by WithConversationKey, or "".
func ConversationKey(ctx context.Context) string {
	key, _ := ctx.Value(conversationKeyKey).(string)
	return key
}
