package tools

import "context"

// Context keys for interaction-scoped values threaded through tool
// execution. Tools that need the calling user or conversation read them
// from the context instead of ambient globals; each interaction carries
// its own values.
type contextKey int

const (
	userIDKey contextKey = iota
	conversationIDKey
	interactionIDKey
)

// WithUserID returns a context carrying the calling user's ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the calling user's ID, or "".
func UserIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(userIDKey).(string)
	return s
}

// WithConversationID returns a context carrying the conversation ID.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext returns the conversation ID, or "".
func ConversationIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(conversationIDKey).(string)
	return s
}

// WithInteractionID returns a context carrying the interaction ID.
func WithInteractionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, interactionIDKey, id)
}

// InteractionIDFromContext returns the interaction ID, or "".
func InteractionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(interactionIDKey).(string)
	return s
}
