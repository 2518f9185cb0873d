package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"amf-rpc/message"
)

// LoggingMiddleware logs every dispatch with its duration. Faults are logged
// at warn level with their code.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("target", req.TargetName),
				zap.String("responseURI", req.ResponseURI),
				zap.Duration("duration", time.Since(start)),
			}
			if f := resp.Fault(); f != nil {
				logger.Warn("dispatch fault", append(fields,
					zap.String("faultCode", f.Code),
					zap.String("faultString", f.String))...)
				return resp
			}
			logger.Debug("dispatch", fields...)
			return resp
		}
	}
}
