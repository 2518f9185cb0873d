package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"amf-rpc/channel"
	"amf-rpc/codec"
	"amf-rpc/message"
	"amf-rpc/registry"
	"amf-rpc/server"
	"amf-rpc/transport"
)

type Args struct {
	A, B int
}

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	reg := server.NewRegistry()
	svc, err := reg.RegisterService("math")
	if err != nil {
		t.Fatal(err)
	}
	svc.ExposeAs("add", func(args Args) int { return args.A + args.B })
	svc.ExposeAs("multiply", func(a, b float64) float64 { return a * b })
	svc.ExposeAs("slow", func() int { time.Sleep(200 * time.Millisecond); return 1 })
	srv := httptest.NewServer(channel.New(server.NewDispatcher(reg)))
	t.Cleanup(srv.Close)
	return srv
}

func newStatic(t *testing.T, addrs ...string) *registry.StaticRegistry {
	t.Helper()
	reg := registry.NewStaticRegistry()
	for _, addr := range addrs {
		reg.Register(context.Background(), "math", registry.ServiceInstance{Addr: addr, Weight: 1}, 10)
	}
	return reg
}

func TestClientCall(t *testing.T) {
	srv := newGateway(t)
	client := NewClient(newStatic(t, srv.URL), nil)

	got, err := client.Call(context.Background(), "math.multiply", 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got != 12.0 {
		t.Fatalf("expect 12, got %#v", got)
	}

	got, err = client.Call(context.Background(), "math.add", Args{A: 10, B: 20})
	if err != nil {
		t.Fatal(err)
	}
	if got != 30 {
		t.Fatalf("expect 30, got %#v", got)
	}
}

func TestClientCallAMF0(t *testing.T) {
	srv := newGateway(t)
	client := NewClient(newStatic(t, srv.URL), nil, WithEncoding(codec.CodecTypeAMF0))

	got, err := client.Call(context.Background(), "math.add", Args{A: 5, B: 7})
	if err != nil {
		t.Fatal(err)
	}
	if got != 12.0 {
		t.Fatalf("expect 12, got %#v", got)
	}
}

func TestClientFault(t *testing.T) {
	srv := newGateway(t)
	client := NewClient(newStatic(t, srv.URL), nil)

	_, err := client.Call(context.Background(), "math.divide", 1, 2)
	f, ok := Fault(err)
	if !ok || f.Code != message.CodeResourceNotFound {
		t.Fatalf("expect ResourceNotFound fault, got %v", err)
	}

	_, err = client.Call(context.Background(), "math.multiply", 1)
	if f, ok := Fault(err); !ok || f.Code != message.CodeInvalidArgument {
		t.Fatalf("expect InvalidArgument fault, got %v", err)
	}
}

func TestClientBatch(t *testing.T) {
	srv := newGateway(t)
	client := NewClient(newStatic(t, srv.URL), nil)

	replies, err := client.Batch(context.Background(),
		transport.Invocation{Target: "math.multiply", Args: []any{2, 3}},
		transport.Invocation{Target: "math.divide", Args: []any{2, 3}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if replies[0].Value != 6.0 || replies[0].Fault != nil {
		t.Errorf("first = %+v", replies[0])
	}
	if replies[1].Fault == nil {
		t.Errorf("second = %+v", replies[1])
	}
}

func TestClientNoInstances(t *testing.T) {
	client := NewClient(registry.NewStaticRegistry(), nil)
	_, err := client.Call(context.Background(), "math.multiply", 1, 2)
	if !errors.Is(err, ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}

	if _, err := client.Call(context.Background(), "multiply", 1, 2); err == nil {
		t.Fatal("expect error for target without service")
	}
}

func TestClientRetry(t *testing.T) {
	srv := newGateway(t)
	dead := httptest.NewServer(nil)
	deadURL := dead.URL
	dead.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	reg := newStatic(t, deadURL, srv.URL)

	// round robin starts at the dead gateway
	client := NewClient(reg, nil, WithRetry(2, time.Millisecond), WithLogger(zap.New(core)))
	got, err := client.Call(context.Background(), "math.multiply", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != 4.0 {
		t.Fatalf("expect 4, got %#v", got)
	}
	if logs.FilterMessage("gateway unreachable, retrying").Len() != 1 {
		t.Errorf("retry not logged: %v", logs.All())
	}

	noRetry := NewClient(newStatic(t, deadURL), nil)
	if _, err := noRetry.Call(context.Background(), "math.multiply", 2, 2); err == nil {
		t.Fatal("expect dial error without retries")
	}
}

func TestClientTimeout(t *testing.T) {
	srv := newGateway(t)
	client := NewClient(newStatic(t, srv.URL), nil, WithTimeout(50*time.Millisecond))

	_, err := client.Call(context.Background(), "math.slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}
