package middleware

import (
	"context"
	"time"

	"topic-rpc/message"
	"topic-rpc/rpcerr"
)

type outcome struct {
	result any
	err    error
}

// TimeOutMiddleware bounds a handler to timeout. The handler's context is cancelled on
// expiry and the caller receives a TimeoutError.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, msg)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, rpcerr.NewTimeout("request timed out")
			}
		}
	}
}
