package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"amf-rpc/client"
	"amf-rpc/config"
	"amf-rpc/message"
	"amf-rpc/registry"
	"amf-rpc/server"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Log.File = ""
	cfg.Log.Console = false
	return cfg
}

func TestModuleValidates(t *testing.T) {
	if err := fx.ValidateApp(Module(testConfig())); err != nil {
		t.Fatalf("ValidateApp: %v", err)
	}
}

func TestGatewayServesAndAnnounces(t *testing.T) {
	var (
		gw   *gateway
		disc registry.Registry
	)
	app := fxtest.New(t, Module(testConfig()), fx.Populate(&gw, &disc))
	app.RequireStart()

	for _, svc := range []string{"echo", "math"} {
		insts, err := disc.Discover(context.Background(), svc)
		if err != nil || len(insts) != 1 {
			t.Fatalf("Discover(%s) = %v, %v", svc, insts, err)
		}
		if want := "http://" + gw.Addr() + "/amf"; insts[0].Addr != want {
			t.Errorf("announced %q, want %q", insts[0].Addr, want)
		}
	}

	c := client.NewClient(disc, nil)
	got, err := c.Call(context.Background(), "math.multiply", 3, 4)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 12 && got != 12.0 {
		t.Errorf("multiply = %v (%T)", got, got)
	}

	_, err = c.Call(context.Background(), "math.divide", 1, 0)
	f, ok := client.Fault(err)
	if !ok || f.Code != message.CodeInvalidArgument {
		t.Errorf("divide by zero err = %v", err)
	}

	app.RequireStop()
	if insts, _ := disc.Discover(context.Background(), "math"); len(insts) != 0 {
		t.Errorf("instances after stop = %v", insts)
	}
}

// failingRegistry refuses to announce one service.
type failingRegistry struct {
	*registry.StaticRegistry
	refuse string
}

var errRefused = errors.New("registry unavailable")

func (r failingRegistry) Register(ctx context.Context, name string, inst registry.ServiceInstance, ttl int64) error {
	if name == r.refuse {
		return errRefused
	}
	return r.StaticRegistry.Register(ctx, name, inst, ttl)
}

func TestGatewayStartRegisterFailure(t *testing.T) {
	services, err := newServiceRegistry()
	if err != nil {
		t.Fatal(err)
	}
	disc := failingRegistry{StaticRegistry: registry.NewStaticRegistry(), refuse: "math"}
	gw := newGateway(gatewayDeps{
		Config:    testConfig(),
		Logger:    zap.NewNop(),
		App:       http.NotFoundHandler(),
		Services:  services,
		Discovery: disc,
	})

	err = gw.Start(context.Background())
	if !errors.Is(err, errRefused) {
		t.Fatalf("Start err = %v, want %v", err, errRefused)
	}
	if insts, _ := disc.Discover(context.Background(), "echo"); len(insts) != 0 {
		t.Errorf("echo still announced after failed start: %v", insts)
	}
	if conn, err := net.DialTimeout("tcp", gw.Addr(), time.Second); err == nil {
		conn.Close()
		t.Errorf("listener %s still accepting after failed start", gw.Addr())
	}
}

func TestServiceRegistry(t *testing.T) {
	reg, err := newServiceRegistry()
	if err != nil {
		t.Fatalf("newServiceRegistry: %v", err)
	}
	d := server.NewDispatcher(reg)

	tests := []struct {
		target string
		args   []any
		want   any
	}{
		{"math.multiply", []any{3, 4}, 12.0},
		{"math.sum", []any{1, 2, 3.5}, 6.5},
		{"math.divide", []any{9, 3}, 3.0},
		{"math.sqrt", []any{16}, 4.0},
		{"echo.Echo", []any{"hi"}, "hi"},
	}
	for _, tt := range tests {
		resp := d.Dispatch(context.Background(), &message.Request{TargetName: tt.target, Arguments: tt.args, ResponseURI: "/1"})
		if resp.Status != message.StatusSuccess || resp.Body != tt.want {
			t.Errorf("%s%v = %v %v, want %v", tt.target, tt.args, resp.Status, resp.Body, tt.want)
		}
	}

	resp := d.Dispatch(context.Background(), &message.Request{TargetName: "math.sqrt", Arguments: []any{-1}, ResponseURI: "/2"})
	if f := resp.Fault(); f == nil || f.Code != message.CodeInvalidArgument {
		t.Errorf("sqrt(-1) = %+v", resp)
	}
}

func TestAdvertiseAddr(t *testing.T) {
	cfg := config.Default()
	tests := []struct {
		bound string
		want  string
	}{
		{"[::]:8080", "http://127.0.0.1:8080/amf"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000/amf"},
		{"10.1.2.3:8080", "http://10.1.2.3:8080/amf"},
	}
	for _, tt := range tests {
		addr, err := net.ResolveTCPAddr("tcp", tt.bound)
		if err != nil {
			t.Fatal(err)
		}
		if got := advertiseAddr(cfg, addr); got != tt.want {
			t.Errorf("advertiseAddr(%s) = %q, want %q", tt.bound, got, tt.want)
		}
	}

	cfg.Registry.Advertise = "https://gw.example.com/amf"
	if got := advertiseAddr(cfg, &net.TCPAddr{}); got != cfg.Registry.Advertise {
		t.Errorf("explicit advertise ignored: %q", got)
	}
}
