package server

import (
	"fmt"
	"math"
	"reflect"
	"strconv"

	"amf-rpc/codec"
)

const maxConvertDepth = 512

// convert fits a decoded value to a parameter type. null and undefined become
// the zero value. Numbers convert between kinds when no precision is lost.
func convert(v any, t reflect.Type, depth int) (reflect.Value, error) {
	if depth > maxConvertDepth {
		return reflect.Value{}, fmt.Errorf("value nested deeper than %d", maxConvertDepth)
	}
	if _, undef := v.(codec.Undefined); v == nil || undef {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}

	switch t.Kind() {
	case reflect.Bool:
		if b, ok := v.(bool); ok {
			return reflect.ValueOf(b).Convert(t), nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if f, ok := number(v); ok {
			out := reflect.New(t).Elem()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 || out.OverflowInt(int64(f)) {
				return reflect.Value{}, fmt.Errorf("%v does not fit %s", v, t)
			}
			out.SetInt(int64(f))
			return out, nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if f, ok := number(v); ok {
			out := reflect.New(t).Elem()
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 || out.OverflowUint(uint64(f)) {
				return reflect.Value{}, fmt.Errorf("%v does not fit %s", v, t)
			}
			out.SetUint(uint64(f))
			return out, nil
		}
	case reflect.Float32, reflect.Float64:
		if f, ok := number(v); ok {
			out := reflect.New(t).Elem()
			out.SetFloat(f)
			return out, nil
		}
	case reflect.String:
		if rv.Kind() == reflect.String {
			return rv.Convert(t), nil
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			if b, ok := v.(codec.ByteArray); ok {
				bv := reflect.ValueOf([]byte(b))
				if bv.Type().ConvertibleTo(t) {
					return bv.Convert(t), nil
				}
				out := reflect.MakeSlice(t, len(b), len(b))
				for i, c := range b {
					out.Index(i).SetUint(uint64(c))
				}
				return out, nil
			}
		}
		if items, ok := sequence(v); ok {
			out := reflect.MakeSlice(t, len(items), len(items))
			for i, item := range items {
				ev, err := convert(item, t.Elem(), depth+1)
				if err != nil {
					return reflect.Value{}, fmt.Errorf("[%d]: %w", i, err)
				}
				out.Index(i).Set(ev)
			}
			return out, nil
		}
	case reflect.Array:
		if items, ok := sequence(v); ok {
			if len(items) != t.Len() {
				return reflect.Value{}, fmt.Errorf("want %d items for %s, got %d", t.Len(), t, len(items))
			}
			out := reflect.New(t).Elem()
			for i, item := range items {
				ev, err := convert(item, t.Elem(), depth+1)
				if err != nil {
					return reflect.Value{}, fmt.Errorf("[%d]: %w", i, err)
				}
				out.Index(i).Set(ev)
			}
			return out, nil
		}
	case reflect.Map:
		if members, ok := members(v); ok && t.Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(t, len(members))
			for k, item := range members {
				ev, err := convert(item, t.Elem(), depth+1)
				if err != nil {
					return reflect.Value{}, fmt.Errorf("%s: %w", k, err)
				}
				out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
			}
			return out, nil
		}
	case reflect.Struct:
		if members, ok := members(v); ok {
			out := reflect.New(t).Elem()
			for _, f := range codec.CachedFields(t) {
				item, ok := members[f.Name]
				if !ok {
					continue
				}
				ev, err := convert(item, f.Type, depth+1)
				if err != nil {
					return reflect.Value{}, fmt.Errorf("%s: %w", f.Name, err)
				}
				if fv, ok := fieldByIndex(out, f.Index); ok {
					fv.Set(ev)
				}
			}
			return out, nil
		}
	case reflect.Pointer:
		ev, err := convert(v, t.Elem(), depth+1)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t.Elem())
		out.Elem().Set(ev)
		return out, nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// sequence returns the items of an array value. An associative array only
// qualifies when its keys are exactly 0..n-1.
func sequence(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case codec.VectorInt:
		return anySlice([]int32(s)), true
	case codec.VectorUint:
		return anySlice([]uint32(s)), true
	case codec.VectorDouble:
		return anySlice([]float64(s)), true
	case *codec.VectorObject:
		return s.Items, true
	case codec.ECMAArray:
		items := make([]any, len(s))
		for k, item := range s {
			i, err := strconv.Atoi(k)
			if err != nil || i < 0 || i >= len(items) {
				return nil, false
			}
			items[i] = item
		}
		return items, true
	}
	return nil, false
}

func anySlice[T any](s []T) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func members(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case codec.ECMAArray:
		return m, true
	case *codec.Object:
		return m.Members, true
	}
	return nil, false
}

// fieldByIndex walks to a possibly promoted field, allocating nil embedded
// pointers on the way. Fields behind an unexported embedded pointer cannot be
// reached and report false.
func fieldByIndex(v reflect.Value, index []int) (reflect.Value, bool) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				if !v.CanSet() {
					return reflect.Value{}, false
				}
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v, v.CanSet()
}
