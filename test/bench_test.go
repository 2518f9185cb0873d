package test

import (
	"bytes"
	"context"
	"testing"

	"amf-rpc/channel"
	"amf-rpc/client"
	"amf-rpc/codec"
	"amf-rpc/protocol"
	"amf-rpc/registry"
	"amf-rpc/server"
)

func setupClient(b *testing.B, enc codec.CodecType) *client.Client {
	b.Helper()
	g := startGateway(b)
	reg := registry.NewStaticRegistry()
	announce(b, reg, g)
	return client.NewClient(reg, nil, client.WithEncoding(enc))
}

// ---- over HTTP ----

func BenchmarkSerialCall(b *testing.B) {
	cli := setupClient(b, codec.CodecTypeAMF3)
	args := Args{A: 1, B: 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := cli.Call(context.Background(), "Arith.Add", args); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupClient(b, codec.CodecTypeAMF3)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := Args{A: 1, B: 2}
		for pb.Next() {
			if _, err := cli.Call(context.Background(), "Arith.Add", args); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// ---- in process, no network ----

func benchPacket(b *testing.B, version uint16) []byte {
	b.Helper()
	p := &protocol.Packet{
		Version: version,
		Messages: []protocol.Message{{
			Target:   "Arith.Add",
			Response: "/1",
			Value:    []any{map[string]any{"A": 1, "B": 2}},
		}},
	}
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, p); err != nil {
		b.Fatal(err)
	}
	return buf.Bytes()
}

func BenchmarkHandleRequest(b *testing.B) {
	reg := server.NewRegistry()
	svc, _ := reg.RegisterService("Arith")
	if err := svc.ExposeMethods(&Arith{}); err != nil {
		b.Fatal(err)
	}
	ch := channel.New(server.NewDispatcher(reg))
	raw := benchPacket(b, protocol.Version3)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := ch.HandleRequest(context.Background(), raw); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecAMF0(b *testing.B) {
	raw := benchPacket(b, protocol.Version0)
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p, err := protocol.Decode(raw)
		if err != nil {
			b.Fatal(err)
		}
		var out bytes.Buffer
		if err := protocol.Encode(&out, p); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecAMF3(b *testing.B) {
	raw := benchPacket(b, protocol.Version3)
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p, err := protocol.Decode(raw)
		if err != nil {
			b.Fatal(err)
		}
		var out bytes.Buffer
		if err := protocol.Encode(&out, p); err != nil {
			b.Fatal(err)
		}
	}
}
