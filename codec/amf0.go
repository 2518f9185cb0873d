package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// AMF0 type markers.
const (
	amf0Number      byte = 0x00
	amf0Boolean     byte = 0x01
	amf0String      byte = 0x02
	amf0Object      byte = 0x03
	amf0MovieClip   byte = 0x04
	amf0Null        byte = 0x05
	amf0Undefined   byte = 0x06
	amf0Reference   byte = 0x07
	amf0ECMAArray   byte = 0x08
	amf0ObjectEnd   byte = 0x09
	amf0StrictArray byte = 0x0A
	amf0Date        byte = 0x0B
	amf0LongString  byte = 0x0C
	amf0Unsupported byte = 0x0D
	amf0RecordSet   byte = 0x0E
	amf0XMLDocument byte = 0x0F
	amf0TypedObject byte = 0x10
	amf0AVMPlus     byte = 0x11
)

const maxDepth = 512

// AMF0Decoder reads AMF0 values. The AMF3 context used behind the avmplus
// marker lives as long as the AMF0 context.
type AMF0Decoder struct {
	r       *Reader
	objects []any
	amf3    *AMF3Decoder
	depth   int
}

func NewAMF0Decoder(r *Reader) *AMF0Decoder {
	return &AMF0Decoder{r: r}
}

// Reset clears the reference tables.
func (d *AMF0Decoder) Reset() {
	d.objects = d.objects[:0]
	d.amf3 = nil
}

func (d *AMF0Decoder) ReadValue() (any, error) {
	marker, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	return d.readMarked(marker)
}

func (d *AMF0Decoder) readMarked(marker byte) (any, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth {
		return nil, malformed(d.r, "nesting deeper than %d", maxDepth)
	}

	switch marker {
	case amf0Number:
		return d.r.ReadFloat64()
	case amf0Boolean:
		b, err := d.r.ReadByte()
		return b != 0, err
	case amf0String:
		return d.r.ReadUTF8()
	case amf0LongString:
		return d.r.ReadLongUTF8()
	case amf0Null:
		return nil, nil
	case amf0Undefined, amf0Unsupported:
		return Undefined{}, nil
	case amf0Reference:
		idx, err := d.r.ReadUint16()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(d.objects) {
			return nil, malformed(d.r, "object reference %d out of range", idx)
		}
		return d.objects[idx], nil
	case amf0Object:
		m := make(map[string]any)
		d.objects = append(d.objects, m)
		return m, d.readMembers(m)
	case amf0TypedObject:
		name, err := d.r.ReadUTF8()
		if err != nil {
			return nil, err
		}
		o := NewObject(name)
		d.objects = append(d.objects, o)
		return o, d.readMembers(o.Members)
	case amf0ECMAArray:
		// the count is only a hint; members end with the object end marker
		if _, err := d.r.ReadUint32(); err != nil {
			return nil, err
		}
		a := make(ECMAArray)
		d.objects = append(d.objects, a)
		return a, d.readMembers(a)
	case amf0StrictArray:
		n, err := d.r.ReadUint32()
		if err != nil {
			return nil, err
		}
		if uint64(n) > uint64(d.r.Remaining()) {
			return nil, malformed(d.r, "array length %d exceeds payload", n)
		}
		items := make([]any, n)
		d.objects = append(d.objects, items)
		for i := range items {
			if items[i], err = d.ReadValue(); err != nil {
				return nil, err
			}
		}
		return items, nil
	case amf0Date:
		ms, err := d.r.ReadFloat64()
		if err != nil {
			return nil, err
		}
		// the timezone offset is reserved and ignored
		if _, err := d.r.ReadUint16(); err != nil {
			return nil, err
		}
		return msToTime(ms), nil
	case amf0XMLDocument:
		s, err := d.r.ReadLongUTF8()
		return XMLDocument(s), err
	case amf0AVMPlus:
		if d.amf3 == nil {
			d.amf3 = NewAMF3Decoder(d.r)
		}
		d.amf3.depth = d.depth
		return d.amf3.ReadValue()
	}
	return nil, &UnsupportedTypeError{Encoding: CodecTypeAMF0, Marker: marker}
}

func (d *AMF0Decoder) readMembers(m map[string]any) error {
	for {
		key, err := d.r.ReadUTF8()
		if err != nil {
			return err
		}
		marker, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		if key == "" && marker == amf0ObjectEnd {
			return nil
		}
		v, err := d.readMarked(marker)
		if err != nil {
			return err
		}
		m[key] = v
	}
}

// AMF0Encoder writes AMF0 values. With UseAMF3 set every value is written
// through the avmplus marker, as AMF3 packets require.
type AMF0Encoder struct {
	w       *bytes.Buffer
	UseAMF3 bool
	objects map[refKey]int
	count   int
	amf3    *AMF3Encoder
	depth   int
}

func NewAMF0Encoder(w *bytes.Buffer) *AMF0Encoder {
	return &AMF0Encoder{w: w, objects: make(map[refKey]int)}
}

// Reset clears the reference tables.
func (e *AMF0Encoder) Reset() {
	clear(e.objects)
	e.count = 0
	e.amf3 = nil
}

func (e *AMF0Encoder) WriteValue(v any) error {
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxDepth {
		return &UnsupportedTypeError{Encoding: CodecTypeAMF0, Type: "value nested deeper than 512"}
	}

	if e.UseAMF3 {
		return e.writeAMF3(v)
	}

	key, hasKey := refKeyOf(v)
	c, err := canonical(v, CodecTypeAMF0)
	if err != nil {
		return err
	}

	switch x := c.(type) {
	case nil:
		e.w.WriteByte(amf0Null)
	case Undefined:
		e.w.WriteByte(amf0Undefined)
	case bool:
		e.w.WriteByte(amf0Boolean)
		if x {
			e.w.WriteByte(1)
		} else {
			e.w.WriteByte(0)
		}
	case string:
		e.writeString(x)
	case time.Time:
		e.w.WriteByte(amf0Date)
		writeFloat64(e.w, timeToMS(x))
		writeUint16(e.w, 0)
	case XMLDocument:
		e.w.WriteByte(amf0XMLDocument)
		writeUint32(e.w, uint32(len(x)))
		e.w.WriteString(string(x))
	case []any:
		if e.writeRef(key, hasKey) {
			return nil
		}
		e.w.WriteByte(amf0StrictArray)
		writeUint32(e.w, uint32(len(x)))
		for _, item := range x {
			if err := e.WriteValue(item); err != nil {
				return err
			}
		}
	case map[string]any:
		if e.writeRef(key, hasKey) {
			return nil
		}
		e.w.WriteByte(amf0Object)
		return e.writeMembers(x)
	case ECMAArray:
		if e.writeRef(key, hasKey) {
			return nil
		}
		e.w.WriteByte(amf0ECMAArray)
		writeUint32(e.w, uint32(len(x)))
		return e.writeMembers(x)
	case *Object:
		if e.writeRef(key, hasKey) {
			return nil
		}
		if x.ClassName == "" {
			e.w.WriteByte(amf0Object)
		} else {
			e.w.WriteByte(amf0TypedObject)
			if err := writeUTF8(e.w, x.ClassName); err != nil {
				return err
			}
		}
		return e.writeMembers(x.Members)
	case ByteArray, XML, VectorInt, VectorUint, VectorDouble, *VectorObject:
		// no AMF0 representation
		return e.writeAMF3(v)
	default:
		if f, ok := toFloat(c); ok {
			e.w.WriteByte(amf0Number)
			writeFloat64(e.w, f)
			return nil
		}
		return &UnsupportedTypeError{Encoding: CodecTypeAMF0, Type: typeName(c)}
	}
	return nil
}

func (e *AMF0Encoder) writeAMF3(v any) error {
	if e.amf3 == nil {
		e.amf3 = NewAMF3Encoder(e.w)
	}
	e.w.WriteByte(amf0AVMPlus)
	e.amf3.depth = e.depth
	return e.amf3.WriteValue(v)
}

// writeRef writes a reference for an already written value, otherwise it
// claims the next table slot and reports false.
func (e *AMF0Encoder) writeRef(key refKey, hasKey bool) bool {
	if hasKey {
		if idx, ok := e.objects[key]; ok && idx <= math.MaxUint16 {
			e.w.WriteByte(amf0Reference)
			writeUint16(e.w, uint16(idx))
			return true
		}
		e.objects[key] = e.count
	}
	e.count++
	return false
}

func (e *AMF0Encoder) writeString(s string) {
	if len(s) > math.MaxUint16 {
		e.w.WriteByte(amf0LongString)
		writeUint32(e.w, uint32(len(s)))
		e.w.WriteString(s)
		return
	}
	e.w.WriteByte(amf0String)
	writeUint16(e.w, uint16(len(s)))
	e.w.WriteString(s)
}

func (e *AMF0Encoder) writeMembers(m map[string]any) error {
	for _, k := range sortedKeys(m) {
		if err := writeUTF8(e.w, k); err != nil {
			return err
		}
		if err := e.WriteValue(m[k]); err != nil {
			return err
		}
	}
	writeUint16(e.w, 0)
	e.w.WriteByte(amf0ObjectEnd)
	return nil
}

// writeUTF8 writes a u16 length-prefixed string. Member names and class
// names have no long form, so longer strings are rejected.
func writeUTF8(w *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return &UnsupportedTypeError{Encoding: CodecTypeAMF0, Type: fmt.Sprintf("name of %d bytes", len(s))}
	}
	writeUint16(w, uint16(len(s)))
	w.WriteString(s)
	return nil
}

func writeUint16(w *bytes.Buffer, v uint16) {
	w.Write(binary.BigEndian.AppendUint16(nil, v))
}

func writeUint32(w *bytes.Buffer, v uint32) {
	w.Write(binary.BigEndian.AppendUint32(nil, v))
}

func writeFloat64(w *bytes.Buffer, f float64) {
	w.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(f)))
}

// Dates travel as float64 milliseconds since the epoch; whole milliseconds
// are kept exact.
func msToTime(ms float64) time.Time {
	whole := math.Trunc(ms)
	frac := time.Duration((ms - whole) * float64(time.Millisecond))
	return time.UnixMilli(int64(whole)).Add(frac).UTC()
}

func timeToMS(t time.Time) float64 {
	return float64(t.UnixMilli()) + float64(t.Nanosecond()%int(time.Millisecond))/float64(time.Millisecond)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}
