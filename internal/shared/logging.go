package shared

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// A correlation id follows one inbound line or scan through matching,
// persistence and sink delivery.
type correlationKey struct{}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// NewCorrelationID returns a fresh id for one inbound line or scan.
func NewCorrelationID() string {
	return uuid.New().String()
}

// StartCorrelation stamps ctx with a fresh id and returns both.
func StartCorrelation(ctx context.Context) (context.Context, string) {
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}

// GetCorrelationID returns the id carried by ctx, minting one when absent
// so log lines are never left without it.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return NewCorrelationID()
}

func correlated(ctx context.Context, fields []zap.Field) []zap.Field {
	return append(fields, zap.String("correlation_id", GetCorrelationID(ctx)))
}

// LogWithContext logs at info level with the correlation id from ctx.
func LogWithContext(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	logger.Info(msg, correlated(ctx, fields)...)
}

func LogErrorWithContext(ctx context.Context, logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	logger.Error(msg, correlated(ctx, append(fields, zap.Error(err)))...)
}
