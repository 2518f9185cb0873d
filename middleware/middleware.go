// Package middleware wraps the dispatcher's per-request handler.
//
// Middlewares compose like onions: Chain(A, B, C)(h) runs A.before, B.before,
// C.before, h, C.after, B.after, A.after. A middleware may answer a request
// itself (the rate limiter does) but must always return a Response.
package middleware

import (
	"context"

	"amf-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one; the first is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
