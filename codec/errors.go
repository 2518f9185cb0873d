package codec

import "fmt"

// MalformedMessageError reports truncated or structurally invalid input.
type MalformedMessageError struct {
	Offset int
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("amf: malformed message at offset %d: %s", e.Offset, e.Reason)
}

// UnsupportedTypeError reports a type marker (or Go type) the codec cannot handle.
type UnsupportedTypeError struct {
	Encoding CodecType
	Marker   byte
	Type     string // Go type or class name, set when Marker is not meaningful
}

func (e *UnsupportedTypeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("amf: unsupported type %s for %s", e.Type, e.Encoding)
	}
	return fmt.Sprintf("amf: unsupported %s type marker 0x%02x", e.Encoding, e.Marker)
}

func malformed(r *Reader, format string, args ...any) error {
	return &MalformedMessageError{Offset: r.Offset(), Reason: fmt.Sprintf(format, args...)}
}
