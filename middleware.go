package newton

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LoggingMiddleware logs command execution.
func LoggingMiddleware(logger Logger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, commandType string, cmd Command) ([]Event, error) {
			start := time.Now()

			logger.Debug("Executing command", "type", commandType)

			events, err := next(ctx, commandType, cmd)

			duration := time.Since(start)
			if err != nil {
				logger.Warn("Command returned error",
					"type", commandType,
					"duration", duration,
					"error", err,
				)
			} else {
				logger.Info("Command completed",
					"type", commandType,
					"duration", duration,
					"events", len(events),
				)
			}

			return events, err
		}
	}
}

// TimeoutMiddleware bounds command execution with a deadline.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, commandType string, cmd Command) ([]Event, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, commandType, cmd)
		}
	}
}

type correlationIDKey struct{}

// CorrelationIDFromContext returns the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID returns a context with the correlation ID set.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// CorrelationIDMiddleware ensures every command runs with a correlation ID.
// Events saved during the command carry it in their metadata.
func CorrelationIDMiddleware(generator func() string) Middleware {
	if generator == nil {
		generator = func() string {
			return uuid.New().String()
		}
	}

	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, commandType string, cmd Command) ([]Event, error) {
			if CorrelationIDFromContext(ctx) == "" {
				ctx = WithCorrelationID(ctx, generator())
			}
			return next(ctx, commandType, cmd)
		}
	}
}

type causationIDKey struct{}

// CausationIDFromContext returns the causation ID from context.
func CausationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(causationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCausationID returns a context with the causation ID set.
// The orchestrator sets it to the id of the event a saga reacted to.
func WithCausationID(ctx context.Context, causationID string) context.Context {
	return context.WithValue(ctx, causationIDKey{}, causationID)
}

// CommandTypeMiddleware applies middleware only for specific command types.
func CommandTypeMiddleware(types []string, middleware Middleware) Middleware {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return func(next DispatchFunc) DispatchFunc {
		wrapped := middleware(next)
		return func(ctx context.Context, commandType string, cmd Command) ([]Event, error) {
			if typeSet[commandType] {
				return wrapped(ctx, commandType, cmd)
			}
			return next(ctx, commandType, cmd)
		}
	}
}
