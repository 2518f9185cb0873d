package codec

import (
	"reflect"
	"strings"
	"sync"
	"time"
)

// refKey identifies a Go value that may be written once and referenced after.
type refKey struct {
	kind reflect.Kind
	ptr  uintptr
	n    int
}

func refKeyOf(v any) (refKey, bool) {
	if o, ok := v.(*Object); ok {
		if o == nil {
			return refKey{}, false
		}
		return refKey{kind: reflect.Pointer, ptr: reflect.ValueOf(o).Pointer()}, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return refKey{}, false
		}
		return refKey{kind: reflect.Map, ptr: rv.Pointer()}, true
	case reflect.Slice:
		// zero length slices may share a base pointer
		if rv.IsNil() || rv.Len() == 0 {
			return refKey{}, false
		}
		return refKey{kind: reflect.Slice, ptr: rv.Pointer(), n: rv.Len()}, true
	case reflect.Pointer:
		if rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
			return refKey{}, false
		}
		return refKey{kind: reflect.Pointer, ptr: rv.Pointer()}, true
	}
	return refKey{}, false
}

// canonical folds arbitrary Go values into the codec's value model. Values
// already in the model are returned unchanged.
func canonical(v any, enc CodecType) (any, error) {
	switch x := v.(type) {
	case *Object:
		if x == nil {
			return nil, nil
		}
	case *VectorObject:
		if x == nil {
			return nil, nil
		}
	}
	switch v.(type) {
	case nil, Undefined, bool, string, float64, time.Time,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32,
		[]any, map[string]any, ECMAArray, *Object, ByteArray, XMLDocument, XML,
		VectorInt, VectorUint, VectorDouble, *VectorObject:
		return v, nil
	case []byte:
		return ByteArray(v.([]byte)), nil
	case VectorObject:
		vo := v.(VectorObject)
		return &vo, nil
	}
	if t, ok := v.(Typed); ok {
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, nil
		}
		return typedObject(t, enc)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return ByteArray(rv.Bytes()), nil
		}
		return sliceItems(rv), nil
	case reflect.Array:
		return sliceItems(rv), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &UnsupportedTypeError{Encoding: enc, Type: rv.Type().String()}
		}
		if rv.IsNil() {
			return nil, nil
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return m, nil
	case reflect.Struct:
		return structMembers(rv), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return canonical(rv.Elem().Interface(), enc)
	}
	return nil, &UnsupportedTypeError{Encoding: enc, Type: rv.Type().String()}
}

func typedObject(t Typed, enc CodecType) (*Object, error) {
	rv := reflect.Indirect(reflect.ValueOf(t))
	if rv.Kind() != reflect.Struct {
		return nil, &UnsupportedTypeError{Encoding: enc, Type: rv.Type().String()}
	}
	return &Object{ClassName: t.AMFClassName(), Members: structMembers(rv)}, nil
}

func sliceItems(rv reflect.Value) []any {
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items
}

func structMembers(rv reflect.Value) map[string]any {
	fields := CachedFields(rv.Type())
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		fv, err := rv.FieldByIndexErr(f.Index)
		if err != nil {
			continue // promoted through a nil embedded pointer
		}
		m[f.Name] = fv.Interface()
	}
	return m
}

// Field is an exported struct field visible to the codec.
type Field struct {
	Name  string
	Index []int
	Type  reflect.Type
}

var fieldCache sync.Map // reflect.Type -> []Field

// CachedFields lists the exported fields of struct type t, honoring
// `amf:"name"` renames and `amf:"-"` skips. Embedded struct fields are promoted.
func CachedFields(t reflect.Type) []Field {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]Field)
	}
	var fields []Field
	for _, sf := range reflect.VisibleFields(t) {
		if sf.Anonymous || !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("amf"); ok {
			tag, _, _ = strings.Cut(tag, ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		fields = append(fields, Field{Name: name, Index: sf.Index, Type: sf.Type})
	}
	actual, _ := fieldCache.LoadOrStore(t, fields)
	return actual.([]Field)
}
