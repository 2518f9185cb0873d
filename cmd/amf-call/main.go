// Command amf-call invokes one remoting target and prints the result as JSON.
//
//	amf-call [-url http://host:8080/amf] [-config gateway.toml] math.multiply 3 4
//
// Arguments are JSON literals. Without -url the gateway is discovered through
// the registry section of the config (etcd endpoints and balancer).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"amf-rpc/client"
	"amf-rpc/codec"
	"amf-rpc/config"
	"amf-rpc/loadbalance"
	"amf-rpc/registry"
	"amf-rpc/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("amf-call", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "", "gateway channel URL; skips discovery")
	cfgPath := fs.String("config", os.Getenv("AMF_CONFIG"), "path to the TOML config file")
	amf0 := fs.Bool("amf0", false, "send AMF0 packets instead of AMF3")
	timeout := fs.Duration("timeout", 10*time.Second, "call timeout")
	verbose := fs.Bool("v", false, "log transport retries")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: amf-call [flags] service.target [json-arg ...]")
		return 2
	}
	target := fs.Arg(0)
	callArgs, err := parseArgs(fs.Args()[1:])
	if err != nil {
		fmt.Fprintf(stderr, "amf-call: %v\n", err)
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "amf-call: %v\n", err)
		return 1
	}
	reg, closeReg, err := discovery(ctx, cfg, *url, target)
	if err != nil {
		fmt.Fprintf(stderr, "amf-call: %v\n", err)
		return 1
	}
	defer closeReg()

	bal, err := loadbalance.New(cfg.Registry.Balancer)
	if err != nil {
		fmt.Fprintf(stderr, "amf-call: %v\n", err)
		return 1
	}
	opts := []client.Option{client.WithTimeout(*timeout), client.WithRetry(2, 100*time.Millisecond)}
	if *amf0 {
		opts = append(opts, client.WithEncoding(codec.CodecTypeAMF0))
	}
	if *verbose {
		l, _ := zap.NewDevelopment()
		opts = append(opts, client.WithLogger(l))
	}

	result, err := client.NewClient(reg, bal, opts...).Call(ctx, target, callArgs...)
	if f, ok := client.Fault(err); ok {
		fmt.Fprintf(stderr, "fault %s: %s\n", f.Code, f.String)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "amf-call: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(stderr, "amf-call: result is not representable as JSON: %v\n", err)
		return 1
	}
	return 0
}

func parseArgs(raw []string) ([]any, error) {
	out := make([]any, len(raw))
	for i, s := range raw {
		if err := json.Unmarshal([]byte(s), &out[i]); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
	}
	return out, nil
}

// discovery returns a static registry for an explicit URL, otherwise etcd.
func discovery(ctx context.Context, cfg config.Config, url, target string) (registry.Registry, func(), error) {
	if url != "" {
		service, _, err := server.SplitTargetName(target)
		if err != nil {
			return nil, nil, err
		}
		reg := registry.NewStaticRegistry()
		if err := reg.Register(ctx, service, registry.ServiceInstance{Addr: url, Weight: 1}, 0); err != nil {
			return nil, nil, err
		}
		return reg, func() {}, nil
	}
	rc := cfg.Registry
	if len(rc.Endpoints) == 0 {
		return nil, nil, errors.New("no -url and no registry endpoints configured")
	}
	reg, err := registry.NewEtcdRegistry(rc.Endpoints, rc.DialTimeout.Std(), registry.WithPrefix(rc.Prefix))
	if err != nil {
		return nil, nil, err
	}
	return reg, func() { reg.Close() }, nil
}
