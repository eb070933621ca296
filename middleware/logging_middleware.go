package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"topic-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) (any, error) {
			start := time.Now()
			result, err := next(ctx, msg)
			fields := []zap.Field{
				zap.String("method", msg.Method),
				zap.String("version", msg.Version),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("rpc failed", append(fields, zap.Error(err))...)
				return result, err
			}
			logger.Debug("rpc handled", fields...)
			return result, nil
		}
	}
}
