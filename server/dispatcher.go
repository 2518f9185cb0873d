// Package server resolves and invokes remoting targets.
//
// Request processing pipeline:
//
//	Dispatch(req) → middleware chain → invoke
//	  → SplitTargetName → Registry.Resolve → Target.Call (convert args, reflect.Call)
//	  → Success response, or Fault response carrying a fault code
//
// Nothing raised by a target escapes Dispatch: returned errors and panics both
// become Server.Processing faults. Panic stacks are logged, never returned.
package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"amf-rpc/message"
	"amf-rpc/middleware"
)

// Dispatcher executes request envelopes against a Registry. It holds no per
// request state; one Dispatcher serves any number of concurrent requests.
type Dispatcher struct {
	registry    *Registry
	logger      *zap.Logger
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(invoke)))
}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) {
		d.middlewares = append(d.middlewares, mws...)
	}
}

func NewDispatcher(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: reg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	d.handler = middleware.Chain(d.middlewares...)(d.invoke)
	return d
}

// Use registers a middleware. Middlewares are applied in the order they are
// added. Use must not be called while requests are being dispatched.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.middlewares = append(d.middlewares, mw)
	d.handler = middleware.Chain(d.middlewares...)(d.invoke)
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch executes one request and always returns a response correlated to
// req.ResponseURI.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	return d.handler(ctx, req)
}

// DispatchAll executes requests in order. A fault in one request does not
// affect the others.
func (d *Dispatcher) DispatchAll(ctx context.Context, reqs []*message.Request) []*message.Response {
	responses := make([]*message.Response, len(reqs))
	for i, req := range reqs {
		responses[i] = d.Dispatch(ctx, req)
	}
	return responses
}

func (d *Dispatcher) invoke(ctx context.Context, req *message.Request) *message.Response {
	service, name, err := SplitTargetName(req.TargetName)
	if err != nil {
		return message.Failure(req, message.NewFault(message.CodeResourceNotFound, "target %q not found", req.TargetName))
	}
	target, err := d.registry.Resolve(service, name)
	if err != nil {
		return message.Failure(req, message.NewFault(message.CodeResourceNotFound, "target %q not found", req.TargetName))
	}

	result, err := target.Call(ctx, req.Arguments)
	if err == nil {
		return message.Success(req, result)
	}

	var argErr *ArgumentError
	if errors.As(err, &argErr) {
		return message.Failure(req, message.NewFault(message.CodeInvalidArgument, "%s", argErr.Reason))
	}

	var invErr *TargetInvocationError
	if errors.As(err, &invErr) {
		fields := []zap.Field{zap.String("target", target.FullName), zap.Error(invErr.Err)}
		if invErr.Stack != nil {
			fields = append(fields, zap.ByteString("stack", invErr.Stack))
			d.logger.Error("target panicked", fields...)
		} else {
			d.logger.Info("target returned error", fields...)
		}
		return message.Failure(req, faultFromError(invErr.Err))
	}

	d.logger.Error("dispatch failed", zap.String("target", target.FullName), zap.Error(err))
	return message.Failure(req, message.NewFault(message.CodeServerProcessing, "%s", err.Error()))
}

// faultFromError keeps a *message.Fault returned by a target as is, so
// targets can choose their own fault codes.
func faultFromError(err error) *message.Fault {
	var f *message.Fault
	if errors.As(err, &f) {
		return f
	}
	return &message.Fault{Code: message.CodeServerProcessing, String: err.Error()}
}
