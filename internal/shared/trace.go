package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type appIDKey struct{}
type conversationIDKey struct{}
type operationIDKey struct{}
type integrationKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAppID attaches the helpdesk application id to the context.
func WithAppID(ctx context.Context, appID string) context.Context {
	return context.WithValue(ctx, appIDKey{}, appID)
}

// AppID extracts the application id from context. Returns "" if absent.
func AppID(ctx context.Context) string {
	if v, ok := ctx.Value(appIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithConversationID attaches a conversation_id to the context.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, conversationID)
}

// ConversationID extracts conversation_id from context. Returns "" if absent.
func ConversationID(ctx context.Context) string {
	if v, ok := ctx.Value(conversationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithOperationID attaches the idempotency operation id to the context.
func WithOperationID(ctx context.Context, operationID string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, operationID)
}

// OperationID extracts the operation id from context. Returns "" if absent.
func OperationID(ctx context.Context) string {
	if v, ok := ctx.Value(operationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithIntegration attaches the inbound integration name (which webhook
// configuration verified the event) to the context.
func WithIntegration(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, integrationKey{}, name)
}

// Integration extracts the integration name from context. Returns "" if absent.
func Integration(ctx context.Context) string {
	if v, ok := ctx.Value(integrationKey{}).(string); ok {
		return v
	}
	return ""
}
