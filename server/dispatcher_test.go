package server

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"amf-rpc/codec"
	"amf-rpc/message"
	"amf-rpc/middleware"
)

type point struct {
	X int
	Y int `amf:"y"`
}

type ctxKey struct{}

func newTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	svc, err := reg.RegisterService("math")
	if err != nil {
		t.Fatal(err)
	}
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(svc.ExposeNamed(multiply))
	must(svc.ExposeAs("fail", func() error { return errors.New("division by zero") }))
	must(svc.ExposeAs("explode", func() int { panic("boom") }))
	must(svc.ExposeAs("sum", func(xs ...int) int {
		total := 0
		for _, x := range xs {
			total += x
		}
		return total
	}))
	must(svc.ExposeAs("norm1", func(p point) int { return p.X + p.Y }))
	must(svc.ExposeAs("whoami", func(ctx context.Context) (string, error) {
		s, _ := ctx.Value(ctxKey{}).(string)
		return s, nil
	}))
	must(svc.ExposeAs("custom", func() (any, error) {
		return nil, &message.Fault{Code: "App.Denied", String: "no"}
	}))
	must(svc.ExposeAs("noop", func() {}))
	return NewDispatcher(reg, opts...)
}

func TestDispatchMultiply(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), &message.Request{
		TargetName:  "math.multiply",
		Arguments:   []any{3.0, 4.0},
		ResponseURI: "/1",
	})
	if resp.Status != message.StatusSuccess || resp.Body != 12.0 || resp.CorrelatingURI != "/1" {
		t.Fatalf("got %+v", resp)
	}

	// AMF3 clients send small integers as int
	resp = d.Dispatch(context.Background(), &message.Request{
		TargetName: "math.multiply", Arguments: []any{3, 4}, ResponseURI: "/2",
	})
	if resp.Body != 12.0 {
		t.Errorf("int arguments: got %+v", resp)
	}
}

func TestDispatchNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	for _, name := range []string{"math.divide", "physics.multiply", "multiply", ""} {
		resp := d.Dispatch(context.Background(), &message.Request{TargetName: name, ResponseURI: "/3"})
		f := resp.Fault()
		if f == nil || f.Code != message.CodeResourceNotFound {
			t.Errorf("%q: got %+v", name, resp)
		}
		if resp.CorrelatingURI != "/3" {
			t.Errorf("%q: correlating URI %q", name, resp.CorrelatingURI)
		}
	}
}

func TestDispatchAllIndependent(t *testing.T) {
	d := newTestDispatcher(t)
	resps := d.DispatchAll(context.Background(), []*message.Request{
		{TargetName: "math.multiply", Arguments: []any{3.0, 4.0}, ResponseURI: "/1"},
		{TargetName: "math.divide", Arguments: []any{3.0, 4.0}, ResponseURI: "/2"},
		{TargetName: "math.multiply", Arguments: []any{2.0, 5.0}, ResponseURI: "/3"},
	})
	if len(resps) != 3 {
		t.Fatalf("got %d responses", len(resps))
	}
	if resps[0].Body != 12.0 || resps[0].CorrelatingURI != "/1" {
		t.Errorf("first: %+v", resps[0])
	}
	if resps[1].Fault() == nil || resps[1].CorrelatingURI != "/2" {
		t.Errorf("second: %+v", resps[1])
	}
	if resps[2].Body != 10.0 || resps[2].CorrelatingURI != "/3" {
		t.Errorf("third: %+v", resps[2])
	}
}

func TestDispatchArgumentFaults(t *testing.T) {
	d := newTestDispatcher(t)
	tests := []struct {
		target string
		args   []any
	}{
		{"math.multiply", []any{3.0}},
		{"math.multiply", []any{3.0, 4.0, 5.0}},
		{"math.multiply", []any{"3", 4.0}},
		{"math.sum", []any{1, 2.5}},
		{"math.norm1", []any{map[string]any{"X": "one"}}},
		{"math.noop", []any{1}},
	}
	for _, tt := range tests {
		resp := d.Dispatch(context.Background(), &message.Request{TargetName: tt.target, Arguments: tt.args, ResponseURI: "/1"})
		if f := resp.Fault(); f == nil || f.Code != message.CodeInvalidArgument {
			t.Errorf("%s%v: got %+v", tt.target, tt.args, resp)
		}
	}
}

func TestDispatchConversions(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.WithValue(context.Background(), ctxKey{}, "alice")
	tests := []struct {
		target string
		args   []any
		want   any
	}{
		{"math.sum", nil, 0},
		{"math.sum", []any{1, 2.0, 3}, 6},
		{"math.norm1", []any{map[string]any{"X": 1.0, "y": 2.0}}, 3},
		{"math.norm1", []any{codec.NewObject("Point").Set("X", 4).Set("y", 5)}, 9},
		{"math.norm1", []any{nil}, 0},
		{"math.whoami", nil, "alice"},
		{"math.noop", nil, nil},
	}
	for _, tt := range tests {
		resp := d.Dispatch(ctx, &message.Request{TargetName: tt.target, Arguments: tt.args, ResponseURI: "/1"})
		if resp.Status != message.StatusSuccess || resp.Body != tt.want {
			t.Errorf("%s%v: got %+v, want body %v", tt.target, tt.args, resp, tt.want)
		}
	}
}

func TestDispatchTargetError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	d := newTestDispatcher(t, WithLogger(zap.New(core)))

	resp := d.Dispatch(context.Background(), &message.Request{TargetName: "math.fail", ResponseURI: "/1"})
	f := resp.Fault()
	if f == nil || f.Code != message.CodeServerProcessing || f.String != "division by zero" {
		t.Fatalf("got %+v", resp)
	}
	if logs.FilterMessage("target returned error").Len() != 1 {
		t.Errorf("error not logged: %v", logs.All())
	}

	resp = d.Dispatch(context.Background(), &message.Request{TargetName: "math.custom", ResponseURI: "/2"})
	if f := resp.Fault(); f == nil || f.Code != "App.Denied" {
		t.Errorf("custom fault: %+v", resp)
	}
}

func TestDispatchPanic(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	d := newTestDispatcher(t, WithLogger(zap.New(core)))

	resp := d.Dispatch(context.Background(), &message.Request{TargetName: "math.explode", ResponseURI: "/9"})
	f := resp.Fault()
	if f == nil || f.Code != message.CodeServerProcessing || resp.CorrelatingURI != "/9" {
		t.Fatalf("got %+v", resp)
	}
	if !strings.Contains(f.String, "boom") {
		t.Errorf("faultString = %q", f.String)
	}
	if strings.Contains(f.String+f.Detail, "goroutine") {
		t.Errorf("stack trace leaked into fault: %q", f.String+f.Detail)
	}

	entries := logs.FilterMessage("target panicked").All()
	if len(entries) != 1 {
		t.Fatalf("panic not logged: %v", logs.All())
	}
	stack, _ := entries[0].ContextMap()["stack"].(string)
	if !strings.Contains(stack, "goroutine") {
		t.Errorf("stack not logged: %q", stack)
	}
}

func TestDispatchMiddleware(t *testing.T) {
	d := newTestDispatcher(t, WithMiddleware(middleware.RateLimitMiddleware(1, 1)))
	var seen []string
	d.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			seen = append(seen, req.TargetName)
			return next(ctx, req)
		}
	})

	req := &message.Request{TargetName: "math.multiply", Arguments: []any{1.0, 1.0}, ResponseURI: "/1"}
	if resp := d.Dispatch(context.Background(), req); resp.Fault() != nil {
		t.Fatalf("first request: %+v", resp)
	}
	resp := d.Dispatch(context.Background(), req)
	if f := resp.Fault(); f == nil || f.Code != message.CodeResourceUnavailable {
		t.Fatalf("second request should be limited: %+v", resp)
	}
	if len(seen) != 1 {
		t.Errorf("inner middleware saw %d requests, want 1", len(seen))
	}
}

type offset struct{ Y int }

// shifted promotes Y through an unexported embedded pointer, which conversion
// cannot allocate.
type shifted struct {
	X int
	*offset
}

type octet byte

func TestDispatchUnreachableFields(t *testing.T) {
	reg := NewRegistry()
	svc, _ := reg.RegisterService("p")
	if err := svc.ExposeAs("f", func(s shifted) int { return s.X }); err != nil {
		t.Fatal(err)
	}
	if err := svc.ExposeAs("octets", func(b []octet) int { return len(b) + int(b[0]) }); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(reg)

	tests := []struct {
		target string
		args   []any
		want   any
	}{
		{"p.f", []any{map[string]any{"X": 1, "Y": 2}}, 1},
		{"p.octets", []any{codec.ByteArray{7, 8, 9}}, 10},
	}
	for _, tt := range tests {
		var resp *message.Response
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("%s: panic escaped Dispatch: %v", tt.target, r)
				}
			}()
			resp = d.Dispatch(context.Background(), &message.Request{TargetName: tt.target, Arguments: tt.args, ResponseURI: "/1"})
		}()
		if resp.Status != message.StatusSuccess || resp.Body != tt.want {
			t.Errorf("%s: got %+v, want body %v", tt.target, resp, tt.want)
		}
	}
}
