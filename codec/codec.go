package codec

import "bytes"

// CodecType is the AMF object encoding, matching the objectEncoding values
// used by Flash clients.
type CodecType byte

const (
	CodecTypeAMF0 CodecType = 0
	CodecTypeAMF3 CodecType = 3
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeAMF0:
		return "AMF0"
	case CodecTypeAMF3:
		return "AMF3"
	}
	return "AMF?"
}

// Codec encodes and decodes a single standalone value. Reference tables live
// only for the duration of one call.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v *any) error
	Type() CodecType // 0=AMF0, 3=AMF3
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeAMF3 {
		return &AMF3Codec{}
	}
	return &AMF0Codec{}
}

type AMF0Codec struct{}

func (c *AMF0Codec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewAMF0Encoder(&buf).WriteValue(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *AMF0Codec) Decode(data []byte, v *any) error {
	r := NewReader(data)
	val, err := NewAMF0Decoder(r).ReadValue()
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func (c *AMF0Codec) Type() CodecType {
	return CodecTypeAMF0
}

type AMF3Codec struct{}

func (c *AMF3Codec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewAMF3Encoder(&buf).WriteValue(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *AMF3Codec) Decode(data []byte, v *any) error {
	r := NewReader(data)
	val, err := NewAMF3Decoder(r).ReadValue()
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func (c *AMF3Codec) Type() CodecType {
	return CodecTypeAMF3
}
