package convert

import (
	"errors"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/workflows/internal/jsoncodec"
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// ProtoConverter converts protobuf messages through their canonical JSON
// mapping and hands every other type to Next.
type ProtoConverter struct {
	Next      Converter
	Marshal   protojson.MarshalOptions
	Unmarshal protojson.UnmarshalOptions
}

// NewProtoConverter returns a converter for proto messages falling back to
// next. A nil next uses a StructConverter.
func NewProtoConverter(next Converter) *ProtoConverter {
	if next == nil {
		next = NewStructConverter()
	}
	return &ProtoConverter{
		Next:      next,
		Unmarshal: protojson.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (c *ProtoConverter) Serialize(message any) (map[string]any, error) {
	msg, ok := message.(proto.Message)
	if !ok {
		return c.Next.Serialize(message)
	}
	t := reflect.TypeOf(message)
	if !msg.ProtoReflect().IsValid() {
		return nil, nil
	}

	raw, err := c.Marshal.Marshal(msg)
	if err != nil {
		return nil, conversionError(t, "", err)
	}
	var decoded any
	if err := jsoncodec.UnmarshalWire(raw, &decoded); err != nil {
		return nil, conversionError(t, "", err)
	}
	wire, ok := decoded.(map[string]any)
	if !ok {
		return nil, conversionError(t, "", errors.New("message does not map to a JSON object"))
	}
	return wire, nil
}

func (c *ProtoConverter) Deserialize(wire map[string]any, expected reflect.Type) (any, error) {
	if expected == nil || !expected.Implements(protoMessageType) || expected.Kind() != reflect.Ptr {
		return c.Next.Deserialize(wire, expected)
	}
	if wire == nil {
		return nil, nil
	}

	raw, err := jsoncodec.Marshal(wire)
	if err != nil {
		return nil, conversionError(expected, "", err)
	}
	msg := reflect.New(expected.Elem()).Interface().(proto.Message)
	if err := c.Unmarshal.Unmarshal(raw, msg); err != nil {
		return nil, conversionError(expected, "", err)
	}
	return msg, nil
}
