// Package convert translates messages between their domain form (structs,
// protobuf messages) and the wire form (map[string]any) carried by
// transports.
package convert

import (
	"reflect"

	"github.com/drblury/workflows/transport"
)

// Converter is the pluggable strategy used by the converting middleware.
//
// Serialize returns wire-form input unchanged and converts supported domain
// values to an equivalent mapping. Deserialize returns wire unchanged when
// expected is nil (untyped) and otherwise builds a value of exactly type
// expected. Both report failures as *transport.ConversionError.
type Converter interface {
	Serialize(message any) (map[string]any, error)
	Deserialize(wire map[string]any, expected reflect.Type) (any, error)
}

// Default returns the converter used when none is injected: protobuf messages
// via protojson, everything else via struct field tags.
func Default() Converter {
	return NewProtoConverter(NewStructConverter())
}

// AsWire returns message as a wire-form mapping when it already is one.
func AsWire(message any) (map[string]any, bool) {
	switch m := message.(type) {
	case map[string]any:
		return m, true
	case transport.Header:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func conversionError(t reflect.Type, field string, err error) error {
	name := ""
	if t != nil {
		name = t.String()
	}
	return &transport.ConversionError{Type: name, Field: field, Err: err}
}
