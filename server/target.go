package server

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Target is an exposed callable.
//
// Supported signatures take an optional leading context.Context followed by
// the remote arguments (variadic allowed), and return (), (T), (error) or
// (T, error).
type Target struct {
	Name     string // name within its service
	FullName string // "service.name"

	fn          reflect.Value
	params      []reflect.Type // remote parameters, excluding the context
	withContext bool
	variadic    bool
	hasResult   bool
	hasError    bool
}

func newTarget(fullName, name string, fn reflect.Value) (*Target, error) {
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, &InvalidTargetError{Name: fullName, Reason: "not a function"}
	}
	typ := fn.Type()
	t := &Target{Name: name, FullName: fullName, fn: fn, variadic: typ.IsVariadic()}

	first := 0
	if typ.NumIn() > 0 && typ.In(0) == contextType {
		t.withContext = true
		first = 1
	}
	for i := first; i < typ.NumIn(); i++ {
		t.params = append(t.params, typ.In(i))
	}

	switch typ.NumOut() {
	case 0:
	case 1:
		if typ.Out(0) == errorType {
			t.hasError = true
		} else {
			t.hasResult = true
		}
	case 2:
		if typ.Out(1) != errorType {
			return nil, &InvalidTargetError{Name: fullName, Reason: "second result must be error"}
		}
		t.hasResult, t.hasError = true, true
	default:
		return nil, &InvalidTargetError{Name: fullName, Reason: fmt.Sprintf("%d results", typ.NumOut())}
	}
	return t, nil
}

// Call converts args to the target's parameter types and invokes it. Errors
// are *ArgumentError when the arguments do not fit and
// *TargetInvocationError when the target returns an error or panics.
func (t *Target) Call(ctx context.Context, args []any) (result any, err error) {
	converting := true
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		result = nil
		if converting {
			err = &ArgumentError{Target: t.FullName, Reason: fmt.Sprintf("cannot convert arguments: %v", r)}
			return
		}
		err = &TargetInvocationError{Target: t.FullName, Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
	}()

	in, err := t.arguments(ctx, args)
	if err != nil {
		return nil, err
	}
	converting = false
	out := t.fn.Call(in)

	if t.hasError {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, &TargetInvocationError{Target: t.FullName, Err: e.Interface().(error)}
		}
	}
	if t.hasResult {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func (t *Target) arguments(ctx context.Context, args []any) ([]reflect.Value, error) {
	fixed := len(t.params)
	if t.variadic {
		fixed--
		if len(args) < fixed {
			return nil, &ArgumentError{Target: t.FullName, Reason: fmt.Sprintf("want at least %d arguments, got %d", fixed, len(args))}
		}
	} else if len(args) != fixed {
		return nil, &ArgumentError{Target: t.FullName, Reason: fmt.Sprintf("want %d arguments, got %d", fixed, len(args))}
	}

	in := make([]reflect.Value, 0, len(args)+1)
	if t.withContext {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, arg := range args {
		var pt reflect.Type
		if i < fixed {
			pt = t.params[i]
		} else {
			pt = t.params[fixed].Elem()
		}
		v, err := convert(arg, pt, 0)
		if err != nil {
			return nil, &ArgumentError{Target: t.FullName, Reason: fmt.Sprintf("argument %d: %v", i, err)}
		}
		in = append(in, v)
	}
	return in, nil
}
