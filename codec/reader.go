package codec

import (
	"encoding/binary"
	"math"
)

// Reader is a cursor over a complete AMF payload. Every read is bounds
// checked and fails with *MalformedMessageError on truncation.
type Reader struct {
	data []byte
	off  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Offset() int    { return r.off }
func (r *Reader) Remaining() int { return len(r.data) - r.off }

func (r *Reader) need(n int) error {
	if n < 0 || r.Remaining() < n {
		return malformed(r, "need %d bytes, %d left", n, r.Remaining())
	}
	return nil
}

func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:r.off+n])
	r.off += n
	return b, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) ReadFloat64() (float64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(r.data[r.off:]))
	r.off += 8
	return v, nil
}

// ReadUTF8 reads a u16 length-prefixed string.
func (r *Reader) ReadUTF8() (string, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	return r.readString(int(n))
}

// ReadLongUTF8 reads a u32 length-prefixed string.
func (r *Reader) ReadLongUTF8() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(r.Remaining()) {
		return "", malformed(r, "string length %d exceeds payload", n)
	}
	return r.readString(int(n))
}

func (r *Reader) readString(n int) (string, error) {
	if err := r.need(n); err != nil {
		return "", err
	}
	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s, nil
}

// ReadU29 reads an AMF3 variable length unsigned 29-bit integer.
func (r *Reader) ReadU29() (uint32, error) {
	var n uint32
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if i == 3 {
			return n<<8 | uint32(b), nil
		}
		n = n<<7 | uint32(b&0x7f)
		if b&0x80 == 0 {
			break
		}
	}
	return n, nil
}
