package channel

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"amf-rpc/codec"
	"amf-rpc/message"
	"amf-rpc/middleware"
	"amf-rpc/protocol"
	"amf-rpc/server"
)

func newTestChannel(t *testing.T, opts ...Option) *Channel {
	t.Helper()
	reg := server.NewRegistry()
	svc, err := reg.RegisterService("math")
	if err != nil {
		t.Fatal(err)
	}
	svc.ExposeAs("multiply", func(a, b float64) float64 { return a * b })
	svc.ExposeAs("stream", func() chan int { return make(chan int) })
	svc.ExposeAs("whoami", func(ctx context.Context) string {
		for _, h := range HeadersFromContext(ctx) {
			if h.Name == "user" {
				s, _ := h.Value.(string)
				return s
			}
		}
		return ""
	})
	return New(server.NewDispatcher(reg), opts...)
}

func encodePacket(t *testing.T, p *protocol.Packet) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, p); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return buf.Bytes()
}

func roundTrip(t *testing.T, c *Channel, p *protocol.Packet) *protocol.Packet {
	t.Helper()
	out, err := c.HandleRequest(context.Background(), encodePacket(t, p))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	reply, err := protocol.Decode(out)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func call(target, uri string, args ...any) protocol.Message {
	return protocol.Message{Target: target, Response: uri, Value: args}
}

func faultCode(t *testing.T, v any) string {
	t.Helper()
	f, ok := message.FaultFromValue(v)
	if !ok {
		t.Fatalf("not a fault body: %#v", v)
	}
	return f.Code
}

func TestMultiply(t *testing.T) {
	reply := roundTrip(t, newTestChannel(t), &protocol.Packet{
		Messages: []protocol.Message{call("math.multiply", "/1", 3.0, 4.0)},
	})
	if len(reply.Messages) != 1 {
		t.Fatalf("got %d bodies", len(reply.Messages))
	}
	m := reply.Messages[0]
	if m.Target != "/1/onResult" || m.Response != "null" || m.Value != 12.0 {
		t.Errorf("reply body = %+v", m)
	}
}

func TestUnknownTarget(t *testing.T) {
	reply := roundTrip(t, newTestChannel(t), &protocol.Packet{
		Messages: []protocol.Message{call("math.divide", "/1", 3.0, 4.0)},
	})
	m := reply.Messages[0]
	if m.Target != "/1/onStatus" {
		t.Errorf("target = %q", m.Target)
	}
	if code := faultCode(t, m.Value); code != message.CodeResourceNotFound {
		t.Errorf("faultCode = %q", code)
	}
}

func TestMixedPacket(t *testing.T) {
	reply := roundTrip(t, newTestChannel(t), &protocol.Packet{
		Messages: []protocol.Message{
			call("math.divide", "/1", 3.0, 4.0),
			call("math.multiply", "/2", 3.0, 4.0),
		},
	})
	if len(reply.Messages) != 2 {
		t.Fatalf("got %d bodies", len(reply.Messages))
	}
	if reply.Messages[0].Target != "/1/onStatus" {
		t.Errorf("first = %+v", reply.Messages[0])
	}
	if reply.Messages[1].Target != "/2/onResult" || reply.Messages[1].Value != 12.0 {
		t.Errorf("second = %+v", reply.Messages[1])
	}
}

func TestLongResponseURI(t *testing.T) {
	long := "/" + strings.Repeat("a", protocol.MaxStringLength-5)
	reply := roundTrip(t, newTestChannel(t), &protocol.Packet{
		Messages: []protocol.Message{
			call("math.divide", long, 3.0, 4.0),
			call("math.multiply", "/2", 3.0, 4.0),
		},
	})
	if len(reply.Messages) != 2 {
		t.Fatalf("got %d bodies", len(reply.Messages))
	}
	first := reply.Messages[0]
	if first.Target != "/onStatus" {
		t.Errorf("first target has %d bytes", len(first.Target))
	}
	if code := faultCode(t, first.Value); code != message.CodeMessageEncoding {
		t.Errorf("faultCode = %q", code)
	}
	if reply.Messages[1].Target != "/2/onResult" || reply.Messages[1].Value != 12.0 {
		t.Errorf("second = %+v", reply.Messages[1])
	}
}

func TestVersion3(t *testing.T) {
	reply := roundTrip(t, newTestChannel(t), &protocol.Packet{
		Version:  protocol.Version3,
		Messages: []protocol.Message{call("math.multiply", "/7", 3, 4)},
	})
	if reply.Version != protocol.Version3 {
		t.Errorf("reply version = %d", reply.Version)
	}
	if m := reply.Messages[0]; m.Target != "/7/onResult" || m.Value != 12.0 {
		t.Errorf("reply body = %+v", m)
	}
}

func TestDecodeFailure(t *testing.T) {
	c := newTestChannel(t)
	valid := encodePacket(t, &protocol.Packet{Messages: []protocol.Message{call("math.multiply", "/1", 3.0, 4.0)}})

	tests := []struct {
		name string
		raw  []byte
		code string
	}{
		{"empty", nil, message.CodeMessageEncoding},
		{"truncated", valid[:len(valid)-3], message.CodeMessageEncoding},
		{"bad version", []byte{0x00, 0x09, 0x00, 0x00, 0x00, 0x00}, message.CodeMessageEncoding},
		{"unknown marker", append(append([]byte{}, valid[:33]...), 0x42), message.CodeUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.HandleRequest(context.Background(), tt.raw)
			if err != nil {
				t.Fatalf("HandleRequest returned error: %v", err)
			}
			reply, err := protocol.Decode(out)
			if err != nil {
				t.Fatalf("fault packet is not well formed: %v", err)
			}
			if len(reply.Messages) != 1 || reply.Messages[0].Target != "/onStatus" {
				t.Fatalf("reply = %+v", reply)
			}
			if code := faultCode(t, reply.Messages[0].Value); code != tt.code {
				t.Errorf("faultCode = %q, want %q", code, tt.code)
			}
		})
	}
}

func TestUnencodableResult(t *testing.T) {
	reply := roundTrip(t, newTestChannel(t), &protocol.Packet{
		Messages: []protocol.Message{
			call("math.stream", "/1"),
			call("math.multiply", "/2", 2.0, 2.0),
		},
	})
	if m := reply.Messages[0]; m.Target != "/1/onStatus" || faultCode(t, m.Value) != message.CodeServerProcessing {
		t.Errorf("first = %+v", m)
	}
	if m := reply.Messages[1]; m.Value != 4.0 {
		t.Errorf("second = %+v", m)
	}
}

func TestHeadersInContext(t *testing.T) {
	reply := roundTrip(t, newTestChannel(t), &protocol.Packet{
		Headers:  []protocol.Header{{Name: "user", Value: "alice"}},
		Messages: []protocol.Message{call("math.whoami", "/1")},
	})
	if reply.Messages[0].Value != "alice" {
		t.Errorf("whoami = %#v", reply.Messages[0].Value)
	}
}

func flexPacket(msg *codec.Object) *protocol.Packet {
	return &protocol.Packet{
		Version:  protocol.Version3,
		Messages: []protocol.Message{{Target: "null", Response: "/1", Value: []any{msg}}},
	}
}

func TestFlexRemoting(t *testing.T) {
	c := newTestChannel(t)
	rm := codec.NewObject(message.ClassRemotingMessage).
		Set("messageId", "REQ-1").
		Set("destination", "math").
		Set("operation", "multiply").
		Set("body", []any{3, 4}).
		Set("headers", map[string]any{message.HeaderDSId: "CLIENT-1"})

	reply := roundTrip(t, c, flexPacket(rm))
	m := reply.Messages[0]
	ack, ok := m.Value.(*codec.Object)
	if m.Target != "/1/onResult" || !ok || ack.ClassName != message.ClassAcknowledgeMessage {
		t.Fatalf("reply = %+v", m)
	}
	if ack.Get("correlationId") != "REQ-1" || ack.Get("body") != 12.0 || ack.Get("clientId") != "CLIENT-1" {
		t.Errorf("ack members = %v", ack.Members)
	}

	rm.Set("operation", "divide")
	m = roundTrip(t, c, flexPacket(rm)).Messages[0]
	em, ok := m.Value.(*codec.Object)
	if m.Target != "/1/onStatus" || !ok || em.ClassName != message.ClassErrorMessage {
		t.Fatalf("reply = %+v", m)
	}
	if em.Get("faultCode") != message.CodeResourceNotFound || em.Get("correlationId") != "REQ-1" {
		t.Errorf("error message members = %v", em.Members)
	}
}

func TestFlexPing(t *testing.T) {
	ping := codec.NewObject(message.ClassCommandMessage).
		Set("messageId", "PING-1").
		Set("operation", message.CommandClientPing).
		Set("headers", map[string]any{message.HeaderDSId: "nil"})

	m := roundTrip(t, newTestChannel(t), flexPacket(ping)).Messages[0]
	ack, ok := m.Value.(*codec.Object)
	if !ok || ack.ClassName != message.ClassAcknowledgeMessage || ack.Get("correlationId") != "PING-1" {
		t.Fatalf("reply = %+v", m)
	}
	headers, _ := ack.Get("headers").(map[string]any)
	if id, _ := headers[message.HeaderDSId].(string); len(id) != 36 {
		t.Errorf("DSId = %#v", headers[message.HeaderDSId])
	}
}

func TestFlexUnsupportedCommand(t *testing.T) {
	login := codec.NewObject(message.ClassCommandMessage).
		Set("messageId", "LOGIN-1").
		Set("operation", message.CommandLogin)

	m := roundTrip(t, newTestChannel(t), flexPacket(login)).Messages[0]
	if m.Target != "/1/onStatus" || faultCode(t, m.Value) != message.CodeCommandUnsupported {
		t.Errorf("reply = %+v", m)
	}
}

func TestServeHTTP(t *testing.T) {
	c := newTestChannel(t, WithMaxBodyBytes(1024))
	srv := httptest.NewServer(c)
	defer srv.Close()

	body := encodePacket(t, &protocol.Packet{Messages: []protocol.Message{call("math.multiply", "/1", 6.0, 7.0)}})
	resp, err := http.Post(srv.URL, ContentType, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != ContentType {
		t.Fatalf("status %d, content type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	get, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", get.StatusCode)
	}

	large, err := http.Post(srv.URL, ContentType, bytes.NewReader(make([]byte, 2048)))
	if err != nil {
		t.Fatal(err)
	}
	large.Body.Close()
	if large.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("large body status = %d", large.StatusCode)
	}
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := middleware.NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	c := newTestChannel(t)
	c.dispatcher.Use(metrics.Middleware())

	router := NewRouter(c, RouterOptions{
		Path:        "/amf",
		HealthPath:  "/healthz",
		MetricsPath: "/metrics",
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	body := encodePacket(t, &protocol.Packet{Messages: []protocol.Message{call("math.multiply", "/1", 6.0, 7.0)}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/amf", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /amf = %d", rec.Code)
	}
	reply, err := protocol.Decode(rec.Body.Bytes())
	if err != nil || reply.Messages[0].Value != 42.0 {
		t.Fatalf("reply = %+v, %v", reply, err)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("GET /healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `amf_dispatch_total{code="",status="success",target="math.multiply"} 1`) {
		t.Errorf("metrics missing dispatch counter:\n%s", rec.Body.String())
	}
}
