// Package protocol implements AMF remoting packet framing.
//
// A packet carries a version, a list of headers and a list of message bodies.
// Header values and message bodies are AMF0 values; a version 3 packet writes
// its values through the AMF0 avmplus switch so clients decode them as AMF3.
//
// Packet format (all integers big-endian):
//
//	version        u16   0 or 3
//	header-count   u16
//	  name         u16-length UTF-8
//	  must-understand u8
//	  length       u32   0xFFFFFFFF when unknown
//	  value        AMF0
//	message-count  u16
//	  target       u16-length UTF-8
//	  response     u16-length UTF-8
//	  length       u32   0xFFFFFFFF when unknown
//	  value        AMF0
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"amf-rpc/codec"
)

const (
	Version0 uint16 = 0 // AMF0 clients (NetConnection with objectEncoding 0)
	Version3 uint16 = 3 // AMF3 clients (Flex, objectEncoding 3)

	// unknownLength marks a header or body whose byte length was not
	// computed by the sender.
	unknownLength uint32 = math.MaxUint32

	// MaxStringLength bounds header names, targets and response URIs.
	MaxStringLength = math.MaxUint16
)

// ErrStringTooLong reports a header name, target or response URI that does
// not fit its u16 length prefix.
var ErrStringTooLong = errors.New("protocol: string longer than 65535 bytes")

// Header is a packet level header such as credentials or a session id.
type Header struct {
	Name           string
	MustUnderstand bool
	Value          any
}

// Message is one request or response body.
type Message struct {
	Target   string // "service.method" on requests, "/1/onResult" on responses
	Response string // "/1" on requests, "null" on responses
	Value    any
}

// Packet is a decoded AMF remoting packet.
type Packet struct {
	Version  uint16
	Headers  []Header
	Messages []Message
}

// ObjectEncoding returns the AMF encoding the packet's values use.
func (p *Packet) ObjectEncoding() codec.CodecType {
	if p.Version == Version3 {
		return codec.CodecTypeAMF3
	}
	return codec.CodecTypeAMF0
}

// Decode parses a complete packet. It fails with *codec.MalformedMessageError
// on truncated or inconsistent input and *codec.UnsupportedTypeError on an
// unknown value marker. Reference tables are reset for every header and body.
func Decode(data []byte) (*Packet, error) {
	r := codec.NewReader(data)
	version, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	if version != Version0 && version != Version3 {
		return nil, &codec.MalformedMessageError{Offset: 0, Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	p := &Packet{Version: version}
	dec := codec.NewAMF0Decoder(r)

	headerCount, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(headerCount); i++ {
		var h Header
		if h.Name, err = r.ReadUTF8(); err != nil {
			return nil, err
		}
		flag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		h.MustUnderstand = flag != 0
		if h.Value, err = readBody(r, dec); err != nil {
			return nil, err
		}
		p.Headers = append(p.Headers, h)
	}

	messageCount, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(messageCount); i++ {
		var m Message
		if m.Target, err = r.ReadUTF8(); err != nil {
			return nil, err
		}
		if m.Response, err = r.ReadUTF8(); err != nil {
			return nil, err
		}
		if m.Value, err = readBody(r, dec); err != nil {
			return nil, err
		}
		p.Messages = append(p.Messages, m)
	}
	return p, nil
}

func readBody(r *codec.Reader, dec *codec.AMF0Decoder) (any, error) {
	length, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	start := r.Offset()
	dec.Reset()
	v, err := dec.ReadValue()
	if err != nil {
		return nil, err
	}
	if length != unknownLength && r.Offset()-start != int(length) {
		return nil, &codec.MalformedMessageError{
			Offset: start,
			Reason: fmt.Sprintf("body length %d does not match value length %d", length, r.Offset()-start),
		}
	}
	return v, nil
}

// Encode writes a complete packet to w. Output is deterministic: object
// members are written in sorted order.
func Encode(w io.Writer, p *Packet) error {
	var buf bytes.Buffer
	if len(p.Headers) > math.MaxUint16 || len(p.Messages) > math.MaxUint16 {
		return fmt.Errorf("protocol: too many headers or messages")
	}

	writeUint16(&buf, p.Version)
	writeUint16(&buf, uint16(len(p.Headers)))
	for _, h := range p.Headers {
		if err := writeUTF8(&buf, h.Name); err != nil {
			return fmt.Errorf("protocol: header name: %w", err)
		}
		if h.MustUnderstand {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		body, err := EncodeValue(h.Value, p.ObjectEncoding())
		if err != nil {
			return fmt.Errorf("protocol: header %q: %w", h.Name, err)
		}
		writeBody(&buf, body)
	}

	writeUint16(&buf, uint16(len(p.Messages)))
	for _, m := range p.Messages {
		if err := writeUTF8(&buf, m.Target); err != nil {
			return fmt.Errorf("protocol: message target: %w", err)
		}
		if err := writeUTF8(&buf, m.Response); err != nil {
			return fmt.Errorf("protocol: message response: %w", err)
		}
		body, err := EncodeValue(m.Value, p.ObjectEncoding())
		if err != nil {
			return fmt.Errorf("protocol: message %q: %w", m.Target, err)
		}
		writeBody(&buf, body)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// EncodeValue encodes one header or body value with fresh reference tables.
// Callers use it to find values that cannot be encoded before building a packet.
func EncodeValue(v any, encoding codec.CodecType) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewAMF0Encoder(&buf)
	enc.UseAMF3 = encoding == codec.CodecTypeAMF3
	if err := enc.WriteValue(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBody(buf *bytes.Buffer, body []byte) {
	writeUint32(buf, uint32(len(body)))
	buf.Write(body)
}

func writeUTF8(buf *bytes.Buffer, s string) error {
	if len(s) > MaxStringLength {
		return fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
	}
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 24))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}
