package middleware

import (
	"context"
	"errors"
	"syscall"
	"time"

	"go.uber.org/zap"

	"topic-rpc/message"
	"topic-rpc/rpcerr"
)

// RetryMiddleware re-runs a handler that failed with a timeout or a refused connection,
// doubling baseDelay between attempts. Other failures return immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) (any, error) {
			result, err := next(ctx, msg)
			for i := 0; i < maxRetries && err != nil && retryable(err); i++ {
				logger.Info("retrying rpc",
					zap.Int("attempt", i+1),
					zap.String("method", msg.Method),
					zap.Error(err),
				)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				result, err = next(ctx, msg)
			}
			return result, err
		}
	}
}

func retryable(err error) bool {
	return rpcerr.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
