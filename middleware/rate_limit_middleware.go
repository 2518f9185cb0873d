package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"amf-rpc/message"
)

// RateLimitMiddleware answers requests beyond the token bucket's rate with a
// Server.Resource.Unavailable fault instead of dispatching them.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Failure(req, message.NewFault(message.CodeResourceUnavailable, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
