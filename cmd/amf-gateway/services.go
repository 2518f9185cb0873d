package main

import (
	"context"
	"math"
	"time"

	"amf-rpc/channel"
	"amf-rpc/message"
	"amf-rpc/server"
)

// mathService is the demo service exposed as "math".
type mathService struct{}

func (mathService) Multiply(a, b float64) float64 { return a * b }

func (mathService) Sum(nums ...float64) float64 {
	var total float64
	for _, n := range nums {
		total += n
	}
	return total
}

func (mathService) Divide(a, b float64) (float64, error) {
	if b == 0 {
		return 0, message.NewFault(message.CodeInvalidArgument, "division by zero")
	}
	return a / b, nil
}

func (mathService) Sqrt(x float64) (float64, error) {
	if x < 0 {
		return 0, message.NewFault(message.CodeInvalidArgument, "sqrt of negative number %v", x)
	}
	return math.Sqrt(x), nil
}

// echoService reflects requests back, for client debugging.
type echoService struct{}

func (echoService) Echo(v any) any { return v }

func (echoService) Now() time.Time { return time.Now().UTC() }

// Headers lists the packet headers the call arrived with.
func (echoService) Headers(ctx context.Context) map[string]any {
	out := make(map[string]any)
	for _, h := range channel.HeadersFromContext(ctx) {
		out[h.Name] = h.Value
	}
	return out
}

// newServiceRegistry registers the services hosted by the gateway.
func newServiceRegistry() (*server.Registry, error) {
	reg := server.NewRegistry()

	m, err := reg.RegisterService("math")
	if err != nil {
		return nil, err
	}
	targets := []struct {
		name string
		fn   any
	}{
		{"multiply", mathService{}.Multiply},
		{"sum", mathService{}.Sum},
		{"divide", mathService{}.Divide},
		{"sqrt", mathService{}.Sqrt},
	}
	for _, t := range targets {
		if err := m.ExposeAs(t.name, t.fn); err != nil {
			return nil, err
		}
	}

	e, err := reg.RegisterService("echo")
	if err != nil {
		return nil, err
	}
	if err := e.ExposeMethods(echoService{}); err != nil {
		return nil, err
	}
	return reg, nil
}
