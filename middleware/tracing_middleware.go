package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"amf-rpc/message"
)

const tracerName = "amf-rpc/middleware"

// TracingMiddleware starts a span per dispatch. A nil provider uses the
// global one.
func TracingMiddleware(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, span := tracer.Start(ctx, "amf.dispatch",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("amf.target", req.TargetName),
					attribute.String("amf.response_uri", req.ResponseURI),
					attribute.Int("amf.arguments", len(req.Arguments)),
				))
			defer span.End()

			resp := next(ctx, req)
			if f := resp.Fault(); f != nil {
				span.SetAttributes(attribute.String("amf.fault_code", f.Code))
				span.SetStatus(codes.Error, f.String)
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return resp
		}
	}
}
