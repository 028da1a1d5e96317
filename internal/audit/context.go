package audit

import "context"

type contextKey int

const (
	actorKey contextKey = iota
	requestIDKey
)

// WithActor binds the acting principal identifier to ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// ActorFromContext returns the principal bound by WithActor, or nil.
func ActorFromContext(ctx context.Context) *string {
	if id, ok := ctx.Value(actorKey).(string); ok && id != "" {
		return &id
	}
	return nil
}

// WithRequestID binds a request correlation id to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the id bound by WithRequestID, or nil.
func RequestIDFromContext(ctx context.Context) *string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return &id
	}
	return nil
}
