package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AMF3 type markers.
const (
	amf3Undefined    byte = 0x00
	amf3Null         byte = 0x01
	amf3False        byte = 0x02
	amf3True         byte = 0x03
	amf3Integer      byte = 0x04
	amf3Double       byte = 0x05
	amf3String       byte = 0x06
	amf3XMLDocument  byte = 0x07
	amf3Date         byte = 0x08
	amf3Array        byte = 0x09
	amf3Object       byte = 0x0A
	amf3XML          byte = 0x0B
	amf3ByteArray    byte = 0x0C
	amf3VectorInt    byte = 0x0D
	amf3VectorUint   byte = 0x0E
	amf3VectorDouble byte = 0x0F
	amf3VectorObject byte = 0x10
	amf3Dictionary   byte = 0x11
)

// Externalizable Flex classes that wrap a single value.
const (
	ClassArrayCollection = "flex.messaging.io.ArrayCollection"
	ClassObjectProxy     = "flex.messaging.io.ObjectProxy"
)

type traits struct {
	className      string
	externalizable bool
	dynamic        bool
	members        []string
}

// AMF3Decoder reads AMF3 values.
type AMF3Decoder struct {
	r       *Reader
	strings []string
	objects []any
	traits  []*traits
	depth   int
}

func NewAMF3Decoder(r *Reader) *AMF3Decoder {
	return &AMF3Decoder{r: r}
}

// Reset clears the string, object and trait reference tables.
func (d *AMF3Decoder) Reset() {
	d.strings = d.strings[:0]
	d.objects = d.objects[:0]
	d.traits = d.traits[:0]
}

func (d *AMF3Decoder) ReadValue() (any, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth {
		return nil, malformed(d.r, "nesting deeper than %d", maxDepth)
	}

	marker, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case amf3Undefined:
		return Undefined{}, nil
	case amf3Null:
		return nil, nil
	case amf3False:
		return false, nil
	case amf3True:
		return true, nil
	case amf3Integer:
		n, err := d.r.ReadU29()
		if err != nil {
			return nil, err
		}
		return int29(n), nil
	case amf3Double:
		return d.r.ReadFloat64()
	case amf3String:
		return d.readString()
	case amf3XMLDocument, amf3XML:
		return d.readXML(marker)
	case amf3Date:
		return d.readDate()
	case amf3Array:
		return d.readArray()
	case amf3Object:
		return d.readObject()
	case amf3ByteArray:
		return d.readByteArray()
	case amf3VectorInt, amf3VectorUint, amf3VectorDouble, amf3VectorObject:
		return d.readVector(marker)
	}
	return nil, &UnsupportedTypeError{Encoding: CodecTypeAMF3, Marker: marker}
}

func int29(n uint32) int {
	if n&0x10000000 != 0 {
		return int(n) - 0x20000000
	}
	return int(n)
}

// readRef reads a U29 header. For references it returns the referenced
// object table entry; otherwise the inline value (header >> 1).
func (d *AMF3Decoder) readRef() (inline uint32, ref any, isRef bool, err error) {
	h, err := d.r.ReadU29()
	if err != nil {
		return 0, nil, false, err
	}
	if h&1 == 0 {
		idx := int(h >> 1)
		if idx >= len(d.objects) {
			return 0, nil, false, malformed(d.r, "object reference %d out of range", idx)
		}
		return 0, d.objects[idx], true, nil
	}
	return h >> 1, nil, false, nil
}

func (d *AMF3Decoder) readString() (string, error) {
	h, err := d.r.ReadU29()
	if err != nil {
		return "", err
	}
	if h&1 == 0 {
		idx := int(h >> 1)
		if idx >= len(d.strings) {
			return "", malformed(d.r, "string reference %d out of range", idx)
		}
		return d.strings[idx], nil
	}
	s, err := d.r.readString(int(h >> 1))
	if err != nil {
		return "", err
	}
	if s != "" {
		d.strings = append(d.strings, s)
	}
	return s, nil
}

func (d *AMF3Decoder) readXML(marker byte) (any, error) {
	n, ref, isRef, err := d.readRef()
	if err != nil || isRef {
		return ref, err
	}
	s, err := d.r.readString(int(n))
	if err != nil {
		return nil, err
	}
	var v any = XML(s)
	if marker == amf3XMLDocument {
		v = XMLDocument(s)
	}
	d.objects = append(d.objects, v)
	return v, nil
}

func (d *AMF3Decoder) readDate() (any, error) {
	_, ref, isRef, err := d.readRef()
	if err != nil || isRef {
		return ref, err
	}
	ms, err := d.r.ReadFloat64()
	if err != nil {
		return nil, err
	}
	t := msToTime(ms)
	d.objects = append(d.objects, t)
	return t, nil
}

func (d *AMF3Decoder) readByteArray() (any, error) {
	n, ref, isRef, err := d.readRef()
	if err != nil || isRef {
		return ref, err
	}
	b, err := d.r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	ba := ByteArray(b)
	d.objects = append(d.objects, ba)
	return ba, nil
}

func (d *AMF3Decoder) readArray() (any, error) {
	n, ref, isRef, err := d.readRef()
	if err != nil || isRef {
		return ref, err
	}
	if int(n) > d.r.Remaining() {
		return nil, malformed(d.r, "array length %d exceeds payload", n)
	}
	idx := len(d.objects)
	d.objects = append(d.objects, nil)

	var assoc ECMAArray
	for {
		key, err := d.readString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if assoc == nil {
			assoc = make(ECMAArray)
			d.objects[idx] = assoc
		}
		if assoc[key], err = d.ReadValue(); err != nil {
			return nil, err
		}
	}

	if assoc == nil {
		items := make([]any, n)
		d.objects[idx] = items
		for i := range items {
			if items[i], err = d.ReadValue(); err != nil {
				return nil, err
			}
		}
		return items, nil
	}
	for i := 0; i < int(n); i++ {
		if assoc[strconv.Itoa(i)], err = d.ReadValue(); err != nil {
			return nil, err
		}
	}
	return assoc, nil
}

func (d *AMF3Decoder) readTraits(h uint32) (*traits, error) {
	// h is the U29O header already shifted past the object reference bit
	if h&1 == 0 {
		idx := int(h >> 1)
		if idx >= len(d.traits) {
			return nil, malformed(d.r, "traits reference %d out of range", idx)
		}
		return d.traits[idx], nil
	}
	t := &traits{
		externalizable: h&2 != 0,
		dynamic:        h&4 != 0,
	}
	count := int(h >> 3)
	if count > d.r.Remaining() {
		return nil, malformed(d.r, "sealed member count %d exceeds payload", count)
	}
	var err error
	if t.className, err = d.readString(); err != nil {
		return nil, err
	}
	if !t.externalizable {
		t.members = make([]string, count)
		for i := range t.members {
			if t.members[i], err = d.readString(); err != nil {
				return nil, err
			}
		}
	}
	d.traits = append(d.traits, t)
	return t, nil
}

func (d *AMF3Decoder) readObject() (any, error) {
	h, ref, isRef, err := d.readRef()
	if err != nil || isRef {
		return ref, err
	}
	t, err := d.readTraits(h)
	if err != nil {
		return nil, err
	}

	if t.externalizable {
		switch t.className {
		case ClassArrayCollection, ClassObjectProxy:
			idx := len(d.objects)
			d.objects = append(d.objects, nil)
			v, err := d.ReadValue()
			if err != nil {
				return nil, err
			}
			d.objects[idx] = v
			return v, nil
		}
		return nil, &UnsupportedTypeError{Encoding: CodecTypeAMF3, Marker: amf3Object, Type: "externalizable " + t.className}
	}

	var members map[string]any
	var v any
	if t.className == "" {
		m := make(map[string]any, len(t.members))
		members, v = m, m
	} else {
		o := NewObject(t.className)
		members, v = o.Members, o
	}
	d.objects = append(d.objects, v)

	for _, name := range t.members {
		if members[name], err = d.ReadValue(); err != nil {
			return nil, err
		}
	}
	if t.dynamic {
		for {
			key, err := d.readString()
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if members[key], err = d.ReadValue(); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func (d *AMF3Decoder) readVector(marker byte) (any, error) {
	n, ref, isRef, err := d.readRef()
	if err != nil || isRef {
		return ref, err
	}
	// fixed-length flag, irrelevant once decoded
	if _, err := d.r.ReadByte(); err != nil {
		return nil, err
	}
	size := 4
	if marker == amf3VectorDouble {
		size = 8
	} else if marker == amf3VectorObject {
		size = 1
	}
	if uint64(n)*uint64(size) > uint64(d.r.Remaining()) {
		return nil, malformed(d.r, "vector length %d exceeds payload", n)
	}

	switch marker {
	case amf3VectorInt:
		v := make(VectorInt, n)
		for i := range v {
			u, err := d.r.ReadUint32()
			if err != nil {
				return nil, err
			}
			v[i] = int32(u)
		}
		d.objects = append(d.objects, v)
		return v, nil
	case amf3VectorUint:
		v := make(VectorUint, n)
		for i := range v {
			if v[i], err = d.r.ReadUint32(); err != nil {
				return nil, err
			}
		}
		d.objects = append(d.objects, v)
		return v, nil
	case amf3VectorDouble:
		v := make(VectorDouble, n)
		for i := range v {
			if v[i], err = d.r.ReadFloat64(); err != nil {
				return nil, err
			}
		}
		d.objects = append(d.objects, v)
		return v, nil
	}

	typeName, err := d.readString()
	if err != nil {
		return nil, err
	}
	v := &VectorObject{TypeName: typeName, Items: make([]any, n)}
	d.objects = append(d.objects, v)
	for i := range v.Items {
		if v.Items[i], err = d.ReadValue(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// AMF3Encoder writes AMF3 values.
type AMF3Encoder struct {
	w       *bytes.Buffer
	strings map[string]int
	objects map[refKey]int
	count   int
	traits  map[string]int
	depth   int
}

func NewAMF3Encoder(w *bytes.Buffer) *AMF3Encoder {
	return &AMF3Encoder{
		w:       w,
		strings: make(map[string]int),
		objects: make(map[refKey]int),
		traits:  make(map[string]int),
	}
}

// Reset clears the string, object and trait reference tables.
func (e *AMF3Encoder) Reset() {
	clear(e.strings)
	clear(e.objects)
	clear(e.traits)
	e.count = 0
}

func (e *AMF3Encoder) WriteValue(v any) error {
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxDepth {
		return &UnsupportedTypeError{Encoding: CodecTypeAMF3, Type: "value nested deeper than 512"}
	}

	key, hasKey := refKeyOf(v)
	c, err := canonical(v, CodecTypeAMF3)
	if err != nil {
		return err
	}

	switch x := c.(type) {
	case nil:
		e.w.WriteByte(amf3Null)
	case Undefined:
		e.w.WriteByte(amf3Undefined)
	case bool:
		if x {
			e.w.WriteByte(amf3True)
		} else {
			e.w.WriteByte(amf3False)
		}
	case float64:
		e.writeDouble(x)
	case float32:
		e.writeDouble(float64(x))
	case int:
		e.writeInt(int64(x))
	case int8:
		e.writeInt(int64(x))
	case int16:
		e.writeInt(int64(x))
	case int32:
		e.writeInt(int64(x))
	case int64:
		e.writeInt(x)
	case uint:
		e.writeUint(uint64(x))
	case uint8:
		e.writeUint(uint64(x))
	case uint16:
		e.writeUint(uint64(x))
	case uint32:
		e.writeUint(uint64(x))
	case uint64:
		e.writeUint(x)
	case string:
		e.w.WriteByte(amf3String)
		e.writeString(x)
	case XMLDocument:
		e.w.WriteByte(amf3XMLDocument)
		e.count++
		return e.writeInlineBytes([]byte(x))
	case XML:
		e.w.WriteByte(amf3XML)
		e.count++
		return e.writeInlineBytes([]byte(x))
	case time.Time:
		e.w.WriteByte(amf3Date)
		e.count++
		e.w.WriteByte(0x01)
		writeFloat64(e.w, timeToMS(x))
	case ByteArray:
		e.w.WriteByte(amf3ByteArray)
		if e.writeRef(key, hasKey) {
			return nil
		}
		return e.writeInlineBytes(x)
	case []any:
		e.w.WriteByte(amf3Array)
		if e.writeRef(key, hasKey) {
			return nil
		}
		if err := e.writeU29Header(len(x)); err != nil {
			return err
		}
		e.writeString("")
		for _, item := range x {
			if err := e.WriteValue(item); err != nil {
				return err
			}
		}
	case ECMAArray:
		e.w.WriteByte(amf3Array)
		if e.writeRef(key, hasKey) {
			return nil
		}
		e.w.WriteByte(0x01) // no dense part
		for _, k := range sortedKeys(x) {
			if k == "" {
				return emptyKeyError()
			}
			e.writeString(k)
			if err := e.WriteValue(x[k]); err != nil {
				return err
			}
		}
		e.writeString("")
	case map[string]any:
		e.w.WriteByte(amf3Object)
		if e.writeRef(key, hasKey) {
			return nil
		}
		e.writeTraits(&traits{dynamic: true})
		for _, k := range sortedKeys(x) {
			if k == "" {
				return emptyKeyError()
			}
			e.writeString(k)
			if err := e.WriteValue(x[k]); err != nil {
				return err
			}
		}
		e.writeString("")
	case *Object:
		e.w.WriteByte(amf3Object)
		if e.writeRef(key, hasKey) {
			return nil
		}
		t := &traits{className: x.ClassName, members: sortedKeys(x.Members)}
		e.writeTraits(t)
		for _, name := range t.members {
			if err := e.WriteValue(x.Members[name]); err != nil {
				return err
			}
		}
	case VectorInt:
		e.w.WriteByte(amf3VectorInt)
		if e.writeRef(key, hasKey) {
			return nil
		}
		if err := e.writeU29Header(len(x)); err != nil {
			return err
		}
		e.w.WriteByte(0)
		for _, n := range x {
			writeUint32(e.w, uint32(n))
		}
	case VectorUint:
		e.w.WriteByte(amf3VectorUint)
		if e.writeRef(key, hasKey) {
			return nil
		}
		if err := e.writeU29Header(len(x)); err != nil {
			return err
		}
		e.w.WriteByte(0)
		for _, n := range x {
			writeUint32(e.w, n)
		}
	case VectorDouble:
		e.w.WriteByte(amf3VectorDouble)
		if e.writeRef(key, hasKey) {
			return nil
		}
		if err := e.writeU29Header(len(x)); err != nil {
			return err
		}
		e.w.WriteByte(0)
		for _, f := range x {
			writeFloat64(e.w, f)
		}
	case *VectorObject:
		e.w.WriteByte(amf3VectorObject)
		if e.writeRef(key, hasKey) {
			return nil
		}
		if err := e.writeU29Header(len(x.Items)); err != nil {
			return err
		}
		e.w.WriteByte(0)
		e.writeString(x.TypeName)
		for _, item := range x.Items {
			if err := e.WriteValue(item); err != nil {
				return err
			}
		}
	default:
		return &UnsupportedTypeError{Encoding: CodecTypeAMF3, Type: typeName(c)}
	}
	return nil
}

// writeRef writes an object reference for an already written value,
// otherwise it claims the next table slot and reports false.
func (e *AMF3Encoder) writeRef(key refKey, hasKey bool) bool {
	if hasKey {
		if idx, ok := e.objects[key]; ok && idx <= MaxInt29>>1 {
			writeU29(e.w, uint32(idx<<1))
			return true
		}
		e.objects[key] = e.count
	}
	e.count++
	return false
}

func (e *AMF3Encoder) writeU29Header(n int) error {
	if n > MaxInt29>>1 {
		return &UnsupportedTypeError{Encoding: CodecTypeAMF3, Type: fmt.Sprintf("length %d", n)}
	}
	writeU29(e.w, uint32(n<<1|1))
	return nil
}

func (e *AMF3Encoder) writeInlineBytes(b []byte) error {
	if err := e.writeU29Header(len(b)); err != nil {
		return err
	}
	e.w.Write(b)
	return nil
}

// emptyKeyError rejects the empty member name, which AMF3 uses to end
// dynamic members and associative arrays.
func emptyKeyError() error {
	return &UnsupportedTypeError{Encoding: CodecTypeAMF3, Type: `member named ""`}
}

func (e *AMF3Encoder) writeString(s string) {
	if s == "" {
		e.w.WriteByte(0x01)
		return
	}
	if idx, ok := e.strings[s]; ok {
		writeU29(e.w, uint32(idx<<1))
		return
	}
	if len(s) > MaxInt29>>1 {
		s = s[:MaxInt29>>1]
	}
	e.strings[s] = len(e.strings)
	writeU29(e.w, uint32(len(s)<<1|1))
	e.w.WriteString(s)
}

func (e *AMF3Encoder) writeTraits(t *traits) {
	sig := t.className + "|" + strings.Join(t.members, ",")
	if t.dynamic {
		sig += "|dynamic"
	}
	if idx, ok := e.traits[sig]; ok {
		writeU29(e.w, uint32(idx<<2|1))
		return
	}
	e.traits[sig] = len(e.traits)
	h := uint32(len(t.members))<<4 | 0x03
	if t.dynamic {
		h |= 0x08
	}
	writeU29(e.w, h)
	e.writeString(t.className)
	for _, m := range t.members {
		e.writeString(m)
	}
}

func (e *AMF3Encoder) writeInt(n int64) {
	if n < MinInt29 || n > MaxInt29 {
		e.writeDouble(float64(n))
		return
	}
	e.w.WriteByte(amf3Integer)
	writeU29(e.w, uint32(n)&0x1FFFFFFF)
}

func (e *AMF3Encoder) writeUint(n uint64) {
	if n > MaxInt29 {
		e.writeDouble(float64(n))
		return
	}
	e.writeInt(int64(n))
}

func (e *AMF3Encoder) writeDouble(f float64) {
	e.w.WriteByte(amf3Double)
	writeFloat64(e.w, f)
}

func writeU29(w *bytes.Buffer, v uint32) {
	v &= 0x1FFFFFFF
	switch {
	case v < 0x80:
		w.WriteByte(byte(v))
	case v < 0x4000:
		w.WriteByte(byte(v>>7) | 0x80)
		w.WriteByte(byte(v & 0x7F))
	case v < 0x200000:
		w.WriteByte(byte(v>>14) | 0x80)
		w.WriteByte(byte(v>>7) | 0x80)
		w.WriteByte(byte(v & 0x7F))
	default:
		w.WriteByte(byte(v>>22) | 0x80)
		w.WriteByte(byte(v>>15) | 0x80)
		w.WriteByte(byte(v>>8) | 0x80)
		w.WriteByte(byte(v))
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
