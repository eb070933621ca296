// Package middleware wraps the responder's dispatch of a message.
package middleware

import (
	"context"

	"topic-rpc/message"
)

// HandlerFunc dispatches one message and returns its result. A result of type
// server.Stream produces several replies for a multicall.
type HandlerFunc func(ctx context.Context, msg *message.Message) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
