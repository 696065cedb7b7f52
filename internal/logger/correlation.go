package logger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type correlationKey struct{}

// GenerateCorrelationID generates a new UUID v4 correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID returns a context carrying the correlation ID
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GetCorrelationID returns the correlation ID from the context, or ""
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelation returns a component logger that includes the
// correlation ID from ctx on every entry.
func (c *ComponentLogger) WithCorrelation(ctx context.Context) *ComponentLogger {
	id := GetCorrelationID(ctx)
	if id == "" {
		return c
	}
	return &ComponentLogger{
		parent:    c.parent,
		zl:        c.zl.With(zap.String("correlation_id", id)),
		component: c.component,
	}
}
