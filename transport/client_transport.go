// Package transport posts AMF packets to a gateway channel over HTTP.
//
// Several calls can share one packet. Each call gets a unique response URI
// from a per-transport sequence, and replies are routed back to their call by
// that URI, whatever order the gateway answers in:
//
//	call-1 ──"/1"──┐                          ┌── "/1/onResult" → call-1
//	call-2 ──"/2"──┼──→ one POST ──→ gateway ─┼── "/2/onStatus" → call-2
//	call-3 ──"/3"──┘                          └── "/3/onResult" → call-3
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"amf-rpc/codec"
	"amf-rpc/message"
	"amf-rpc/protocol"
)

const contentType = "application/x-amf"

var (
	// ErrStatus reports a non-200 HTTP answer.
	ErrStatus = errors.New("transport: unexpected HTTP status")
	// ErrMissingReply reports a packet without a reply for some call.
	ErrMissingReply = errors.New("transport: missing reply")
)

// Invocation is one remote call.
type Invocation struct {
	Target string // "service.method"
	Args   []any
}

// Reply is the outcome of one Invocation. Fault is set when the gateway
// answered on onStatus.
type Reply struct {
	ResponseURI string
	Value       any
	Fault       *message.Fault
}

// ClientTransport sends packets to a single channel URL.
type ClientTransport struct {
	url      string
	client   *http.Client
	encoding codec.CodecType
	seq      atomic.Uint32
}

func NewClientTransport(url string, client *http.Client, encoding codec.CodecType) *ClientTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &ClientTransport{url: url, client: client, encoding: encoding}
}

func (t *ClientTransport) URL() string { return t.url }

// Send posts calls in one packet and returns their replies in call order.
func (t *ClientTransport) Send(ctx context.Context, headers []protocol.Header, calls []Invocation) ([]Reply, error) {
	version := protocol.Version0
	if t.encoding == codec.CodecTypeAMF3 {
		version = protocol.Version3
	}
	req := &protocol.Packet{Version: version, Headers: headers}

	// pending maps a response URI to its call index
	pending := make(map[string]int, len(calls))
	for i, call := range calls {
		uri := "/" + strconv.FormatUint(uint64(t.seq.Add(1)), 10)
		pending[uri] = i
		args := call.Args
		if args == nil {
			args = []any{}
		}
		req.Messages = append(req.Messages, protocol.Message{Target: call.Target, Response: uri, Value: args})
	}

	resp, err := t.RoundTrip(ctx, req)
	if err != nil {
		return nil, err
	}

	replies := make([]Reply, len(calls))
	for _, m := range resp.Messages {
		uri, status, ok := strings.Cut(strings.TrimPrefix(m.Target, "/"), "/")
		if !ok {
			continue
		}
		uri = "/" + uri
		i, ok := pending[uri]
		if !ok {
			continue
		}
		delete(pending, uri)
		replies[i] = Reply{ResponseURI: uri, Value: m.Value}
		if status == "onStatus" {
			f, ok := message.FaultFromValue(m.Value)
			if !ok {
				f = &message.Fault{Code: message.CodeServerProcessing, String: fmt.Sprintf("unrecognized fault body %T", m.Value)}
			}
			replies[i].Fault = f
		}
	}
	if len(pending) > 0 {
		return nil, fmt.Errorf("%w: %d of %d calls unanswered", ErrMissingReply, len(pending), len(calls))
	}
	return replies, nil
}

// RoundTrip posts one packet and decodes the answer. A packet level fault
// (a decode failure reported by the gateway) is returned as *message.Fault.
func (t *ClientTransport) RoundTrip(ctx context.Context, p *protocol.Packet) (*protocol.Packet, error) {
	var body bytes.Buffer
	if err := protocol.Encode(&body, p); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	reply, err := protocol.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: decode reply: %w", err)
	}
	if len(reply.Messages) == 1 && reply.Messages[0].Target == "/onStatus" {
		if f, ok := message.FaultFromValue(reply.Messages[0].Value); ok {
			return nil, f
		}
	}
	return reply, nil
}
