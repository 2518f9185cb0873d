package codec

import "sort"

// Undefined is the ActionScript undefined value. null decodes to nil.
type Undefined struct{}

// ECMAArray is an associative array (AMF0 ECMA array, AMF3 array with named keys).
// An empty ECMAArray written as AMF3 is the empty array and decodes as []any{}.
// AMF3 cannot carry the key "".
// Dense items of a mixed AMF3 array are stored under their decimal index.
type ECMAArray map[string]any

// Object is a typed object carrying its remote class name.
// Anonymous objects decode to map[string]any instead.
type Object struct {
	ClassName string
	Members   map[string]any
}

// NewObject returns an empty typed object of the given class.
func NewObject(className string) *Object {
	return &Object{ClassName: className, Members: make(map[string]any)}
}

// Get returns a member value, nil when absent.
func (o *Object) Get(name string) any {
	if o == nil {
		return nil
	}
	return o.Members[name]
}

// Set assigns a member value.
func (o *Object) Set(name string, v any) *Object {
	if o.Members == nil {
		o.Members = make(map[string]any)
	}
	o.Members[name] = v
	return o
}

// ByteArray is the AMF3 flash.utils.ByteArray.
type ByteArray []byte

// XMLDocument is a legacy flash.xml.XMLDocument payload.
type XMLDocument string

// XML is an E4X XML payload (AMF3 only).
type XML string

// VectorInt is Vector.<int>.
type VectorInt []int32

// VectorUint is Vector.<uint>.
type VectorUint []uint32

// VectorDouble is Vector.<Number>.
type VectorDouble []float64

// VectorObject is Vector.<T> for an object type T.
type VectorObject struct {
	TypeName string
	Items    []any
}

// Typed lets a Go struct choose the remote class name it is encoded with.
type Typed interface {
	AMFClassName() string
}

const (
	// AMF3 integers are signed 29-bit values.
	MinInt29 = -1 << 28
	MaxInt29 = 1<<28 - 1
)

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
