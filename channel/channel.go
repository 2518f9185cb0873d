// Package channel adapts the dispatcher to raw AMF packets and HTTP.
//
// HandleRequest decodes a packet, dispatches every body in order and encodes
// the replies into one response packet. Decode failures are answered with a
// fault packet, so callers only see an error when no packet can be produced.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"amf-rpc/codec"
	"amf-rpc/message"
	"amf-rpc/protocol"
	"amf-rpc/server"
)

const (
	ContentType = "application/x-amf"

	// DefaultMaxBodyBytes bounds the request body ServeHTTP reads.
	DefaultMaxBodyBytes = 16 << 20

	// flexTarget is the body target Flex clients use for messaging.
	flexTarget = "null"
)

// Channel is an AMF remoting endpoint bound to one dispatcher.
type Channel struct {
	name         string
	dispatcher   *server.Dispatcher
	logger       *zap.Logger
	maxBodyBytes int64
}

type Option func(*Channel)

// WithName sets the channel name reported in logs.
func WithName(name string) Option {
	return func(c *Channel) { c.name = name }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxBodyBytes bounds HTTP request bodies; n <= 0 keeps the default.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

func New(d *server.Dispatcher, opts ...Option) *Channel {
	c := &Channel{
		name:         "amf",
		dispatcher:   d,
		logger:       zap.NewNop(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("channel", c.name))
	return c
}

func (c *Channel) Name() string { return c.name }

type headersKey struct{}

// HeadersFromContext returns the packet headers of the request being
// dispatched, for targets that take a context.Context.
func HeadersFromContext(ctx context.Context) []protocol.Header {
	h, _ := ctx.Value(headersKey{}).([]protocol.Header)
	return h
}

// HandleRequest answers one raw AMF packet with one raw AMF packet.
func (c *Channel) HandleRequest(ctx context.Context, raw []byte) ([]byte, error) {
	packet, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Warn("decode request packet", zap.Error(err), zap.Int("bytes", len(raw)))
		return c.encode(decodeFault(raw, err))
	}
	if len(packet.Headers) > 0 {
		ctx = context.WithValue(ctx, headersKey{}, packet.Headers)
	}

	reply := &protocol.Packet{Version: packet.Version}
	for _, m := range packet.Messages {
		if len(m.Response)+len("/onResult") > protocol.MaxStringLength {
			c.logger.Warn("response URI too long", zap.Int("bytes", len(m.Response)))
			reply.Messages = append(reply.Messages, uncorrelatable(m))
			continue
		}
		var resp *message.Response
		if m.Target == flexTarget {
			if flex, ok := message.ParseFlex(m.Value); ok {
				resp = c.handleFlex(ctx, m.Response, flex)
			}
		}
		if resp == nil {
			req := &message.Request{TargetName: m.Target, Arguments: arguments(m.Value), ResponseURI: m.Response}
			resp = c.dispatcher.Dispatch(ctx, req)
		}
		reply.Messages = append(reply.Messages, c.replyBody(resp, packet.ObjectEncoding()))
	}
	return c.encode(reply)
}

// replyBody turns a response into a packet body. A result that cannot be
// encoded becomes a Server.Processing fault for this body only.
func (c *Channel) replyBody(resp *message.Response, encoding codec.CodecType) protocol.Message {
	value := resp.Body
	if f := resp.Fault(); f != nil {
		value = f.Value()
	}
	if _, err := protocol.EncodeValue(value, encoding); err != nil {
		c.logger.Error("encode result", zap.String("responseURI", resp.CorrelatingURI), zap.Error(err))
		resp = &message.Response{
			Status:         message.StatusFault,
			Body:           message.NewFault(message.CodeServerProcessing, "result cannot be encoded: %v", err),
			CorrelatingURI: resp.CorrelatingURI,
		}
		value = resp.Fault().Value()
	}
	return protocol.Message{Target: resp.Target(), Response: "null", Value: value}
}

func (c *Channel) encode(p *protocol.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, p); err != nil {
		return nil, fmt.Errorf("channel: encode response packet: %w", err)
	}
	return buf.Bytes(), nil
}

// arguments unpacks a call body. Calls carry a strict array of arguments;
// any other value is passed as the only argument.
func arguments(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case nil, codec.Undefined:
		return nil
	}
	return []any{v}
}

// uncorrelatable answers a body whose response URI cannot be echoed back in
// a reply target. The body is not dispatched.
func uncorrelatable(m protocol.Message) protocol.Message {
	f := message.NewFault(message.CodeMessageEncoding, "response URI of %d bytes is too long", len(m.Response))
	return protocol.Message{Target: "/onStatus", Response: "null", Value: f.Value()}
}

func decodeFault(raw []byte, err error) *protocol.Packet {
	code := message.CodeMessageEncoding
	var unsupported *codec.UnsupportedTypeError
	if errors.As(err, &unsupported) {
		code = message.CodeUnsupportedType
	}
	version := protocol.Version0
	if len(raw) >= 2 && raw[0] == 0 && uint16(raw[1]) == protocol.Version3 {
		version = protocol.Version3
	}
	f := &message.Fault{Code: code, String: err.Error()}
	return &protocol.Packet{
		Version:  version,
		Messages: []protocol.Message{{Target: "/onStatus", Response: "null", Value: f.Value()}},
	}
}
