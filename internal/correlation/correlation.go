package correlation

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New returns a fresh correlation ID.
func New() string {
	return uuid.New().String()
}

// WithID returns a context carrying the correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation ID stored in ctx, or "" if none.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
