// Package client calls remoting targets on AMF gateways.
//
// A call resolves the gateways hosting the target's service through a
// registry, picks one with a balancer and posts the call over HTTP. Faults
// answered by the gateway are returned as *message.Fault errors.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"amf-rpc/codec"
	"amf-rpc/loadbalance"
	"amf-rpc/message"
	"amf-rpc/protocol"
	"amf-rpc/registry"
	"amf-rpc/server"
	"amf-rpc/transport"
)

// ErrNoInstances reports a service no gateway announces.
var ErrNoInstances = errors.New("client: no instances for service")

type Client struct {
	registry   registry.Registry
	balancer   loadbalance.Balancer
	encoding   codec.CodecType
	httpClient *http.Client
	logger     *zap.Logger
	headers    []protocol.Header

	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration

	mu         sync.Mutex
	transports map[string]*transport.ClientTransport // one per gateway URL
}

type Option func(*Client)

// WithEncoding selects AMF0 or AMF3 packets; the default is AMF3.
func WithEncoding(encoding codec.CodecType) Option {
	return func(c *Client) { c.encoding = encoding }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHeader adds a packet header sent with every request.
func WithHeader(name string, mustUnderstand bool, value any) Option {
	return func(c *Client) {
		c.headers = append(c.headers, protocol.Header{Name: name, MustUnderstand: mustUnderstand, Value: value})
	}
}

// WithTimeout bounds each call, including retries.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetry retries calls that could not reach a gateway, with exponential
// backoff starting at baseDelay. Calls that reached a gateway are never
// retried, since targets need not be idempotent.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	c := &Client{
		registry:   reg,
		balancer:   bal,
		encoding:   codec.CodecTypeAMF3,
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
		transports: make(map[string]*transport.ClientTransport),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) getTransport(addr string) *transport.ClientTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transports[addr]
	if !ok {
		t = transport.NewClientTransport(addr, c.httpClient, c.encoding)
		c.transports[addr] = t
	}
	return t
}

// Call invokes target ("service.method") with args and returns its result.
func (c *Client) Call(ctx context.Context, target string, args ...any) (any, error) {
	replies, err := c.Batch(ctx, transport.Invocation{Target: target, Args: args})
	if err != nil {
		return nil, err
	}
	if f := replies[0].Fault; f != nil {
		return nil, f
	}
	return replies[0].Value, nil
}

// Batch sends calls in one packet. The gateway is chosen by the first call's
// service, so every call must be hosted by that gateway. Per call faults are
// reported in Reply.Fault; the error covers the packet as a whole.
func (c *Client) Batch(ctx context.Context, calls ...transport.Invocation) ([]transport.Reply, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	serviceName, _, err := server.SplitTargetName(calls[0].Target)
	if err != nil {
		return nil, fmt.Errorf("client: invalid target %q", calls[0].Target)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		replies, err := c.send(ctx, serviceName, calls)
		if err == nil || attempt >= c.maxRetries || !unreachable(err) {
			return replies, err
		}
		delay := c.baseDelay * time.Duration(1<<attempt)
		c.logger.Warn("gateway unreachable, retrying",
			zap.String("service", serviceName),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) send(ctx context.Context, serviceName string, calls []transport.Invocation) ([]transport.Reply, error) {
	instances, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoInstances, serviceName)
	}
	instance, err := c.balancer.Pick(serviceName, instances)
	if err != nil {
		return nil, err
	}
	return c.getTransport(instance.Addr).Send(ctx, c.headers, calls)
}

// unreachable reports errors raised before a request reached a gateway.
func unreachable(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Fault returns err as a *message.Fault when the gateway answered with one.
func Fault(err error) (*message.Fault, bool) {
	var f *message.Fault
	ok := errors.As(err, &f)
	return f, ok
}
