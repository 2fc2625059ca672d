package transport

import (
	"fmt"
	"reflect"
	"runtime"
)

// Callback receives the messages delivered on a subscription. A returned
// error is propagated to the backend's delivery mechanism, which decides
// whether to nack or log it.
type Callback interface {
	Deliver(header Header, message any) error
}

// CallbackFunc adapts an untyped function to Callback. Messages reach it in
// wire form.
type CallbackFunc func(header Header, message any) error

func (f CallbackFunc) Deliver(header Header, message any) error {
	return f(header, message)
}

// Name returns the function name, for diagnostics.
func (f CallbackFunc) Name() string {
	return funcName(f)
}

// TypedCallback is implemented by callbacks that declare the type of their
// message parameter. A nil type means "untyped".
type TypedCallback interface {
	Callback
	MessageType() (reflect.Type, error)
}

// Named is implemented by callbacks that carry a diagnostic name.
type Named interface {
	Name() string
}

// Handle registers a callback whose message parameter has type T. Converting
// middlewares use T as the deserialization target. T = any and
// T = map[string]any are untyped.
func Handle[T any](fn func(header Header, message T) error) Callback {
	return &handler[T]{fn: fn, name: funcName(fn)}
}

type handler[T any] struct {
	fn   func(Header, T) error
	name string
}

func (h *handler[T]) Deliver(header Header, message any) error {
	if h.fn == nil {
		return &ConfigurationError{Component: "callback", Reason: "nil function"}
	}
	if message == nil {
		var zero T
		return h.fn(header, zero)
	}
	typed, ok := message.(T)
	if !ok {
		var zero T
		return &ConversionError{
			Type: fmt.Sprintf("%T", zero),
			Err:  fmt.Errorf("callback %s received %T", h.name, message),
		}
	}
	return h.fn(header, typed)
}

func (h *handler[T]) MessageType() (reflect.Type, error) {
	if h.fn == nil {
		return nil, &ConfigurationError{Component: "callback", Reason: "nil function"}
	}
	return declaredType(reflect.TypeOf((*T)(nil)).Elem()), nil
}

func (h *handler[T]) Name() string { return h.name }

var (
	headerType = reflect.TypeOf(Header(nil))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	wireType   = reflect.TypeOf(map[string]any(nil))
)

// Func wraps an arbitrary function value whose signature is inspected when it
// is subscribed. The function must accept exactly two parameters, the header
// (Header, map[string]any or an interface) and the message, and return either
// nothing or an error. Any other signature is reported as a
// *ConfigurationError by MessageType, i.e. at subscribe time.
func Func(fn any) Callback {
	return &reflectCallback{fn: reflect.ValueOf(fn)}
}

type reflectCallback struct {
	fn reflect.Value
}

func (r *reflectCallback) MessageType() (reflect.Type, error) {
	if !r.fn.IsValid() || r.fn.Kind() != reflect.Func || r.fn.IsNil() {
		return nil, &ConfigurationError{Component: "callback", Reason: "callback must be a function"}
	}
	typ := r.fn.Type()
	if typ.NumIn() != 2 || typ.IsVariadic() {
		return nil, &ConfigurationError{
			Component: "callback",
			Reason:    fmt.Sprintf("%s must accept exactly 2 parameters (header, message), has %d", r.Name(), typ.NumIn()),
		}
	}
	if !headerType.AssignableTo(typ.In(0)) {
		return nil, &ConfigurationError{
			Component: "callback",
			Reason:    fmt.Sprintf("%s: first parameter must accept a Header, got %s", r.Name(), typ.In(0)),
		}
	}
	switch {
	case typ.NumOut() == 0:
	case typ.NumOut() == 1 && typ.Out(0) == errorType:
	default:
		return nil, &ConfigurationError{
			Component: "callback",
			Reason:    fmt.Sprintf("%s must return nothing or an error", r.Name()),
		}
	}
	return declaredType(typ.In(1)), nil
}

func (r *reflectCallback) Deliver(header Header, message any) error {
	if _, err := r.MessageType(); err != nil {
		return err
	}
	typ := r.fn.Type()
	msgType := typ.In(1)

	var msgValue reflect.Value
	if message == nil {
		msgValue = reflect.Zero(msgType)
	} else {
		msgValue = reflect.ValueOf(message)
		if !msgValue.Type().AssignableTo(msgType) {
			return &ConversionError{
				Type: msgType.String(),
				Err:  fmt.Errorf("callback %s received %T", r.Name(), message),
			}
		}
	}
	headerValue := reflect.ValueOf(header)
	if header == nil {
		headerValue = reflect.Zero(typ.In(0))
	}

	out := r.fn.Call([]reflect.Value{headerValue, msgValue})
	if len(out) == 1 && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}

func (r *reflectCallback) Name() string {
	if !r.fn.IsValid() || r.fn.Kind() != reflect.Func {
		return "<invalid>"
	}
	return funcName(r.fn.Interface())
}

// MessageType returns the Expected Type declared by cb, or nil when cb is
// untyped. A nil callback or a malformed signature yields a
// *ConfigurationError.
func MessageType(cb Callback) (reflect.Type, error) {
	if cb == nil || isNilCallback(cb) {
		return nil, &ConfigurationError{Component: "callback", Reason: "callback is required"}
	}
	if typed, ok := cb.(TypedCallback); ok {
		return typed.MessageType()
	}
	return nil, nil
}

// CallbackName returns the diagnostic name of cb.
func CallbackName(cb Callback) string {
	if named, ok := cb.(Named); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", cb)
}

// declaredType maps interface types and the wire-form map to nil (untyped).
func declaredType(t reflect.Type) reflect.Type {
	if t == nil || t.Kind() == reflect.Interface || t == wireType || t == headerType {
		return nil
	}
	return t
}

func isNilCallback(cb Callback) bool {
	v := reflect.ValueOf(cb)
	switch v.Kind() {
	case reflect.Func, reflect.Ptr, reflect.Map, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "<nil>"
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return "<unknown>"
}
