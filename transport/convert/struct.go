package convert

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/drblury/workflows/internal/jsoncodec"
)

// StructConverter maps structs to their JSON field names and back. Structs
// are encoded with sonic following encoding/json rules; decoding uses
// mapstructure with the json tag so the two directions agree on field names.
type StructConverter struct {
	// TimeLayout is the layout used to decode time.Time fields.
	TimeLayout string
}

// NewStructConverter returns a converter using RFC 3339 timestamps.
func NewStructConverter() *StructConverter {
	return &StructConverter{TimeLayout: time.RFC3339Nano}
}

func (c *StructConverter) Serialize(message any) (map[string]any, error) {
	if message == nil {
		return nil, nil
	}
	if wire, ok := AsWire(message); ok {
		return wire, nil
	}

	v := reflect.ValueOf(message)
	t := v.Type()
	if t.Kind() == reflect.Ptr {
		if t.Elem().Kind() != reflect.Struct {
			return nil, conversionError(t, "", errors.New("unsupported message type"))
		}
		if v.IsNil() {
			return nil, nil
		}
	} else if t.Kind() != reflect.Struct {
		return nil, conversionError(t, "", errors.New("unsupported message type"))
	}

	raw, err := jsoncodec.Marshal(message)
	if err != nil {
		return nil, conversionError(t, "", err)
	}
	wire := map[string]any{}
	if err := jsoncodec.UnmarshalWire(raw, &wire); err != nil {
		return nil, conversionError(t, "", err)
	}
	return wire, nil
}

func (c *StructConverter) Deserialize(wire map[string]any, expected reflect.Type) (any, error) {
	if expected == nil {
		return wire, nil
	}
	if wire == nil {
		return nil, nil
	}

	target := expected
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}
	switch target.Kind() {
	case reflect.Struct:
		if err := checkRequired(target, wire); err != nil {
			return nil, err
		}
	case reflect.Map:
		if target.Key().Kind() != reflect.String {
			return nil, conversionError(expected, "", errors.New("map keys must be strings"))
		}
	default:
		return nil, conversionError(expected, "", errors.New("unsupported expected type"))
	}

	out := reflect.New(target)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Squash:  true,
		Result:  out.Interface(),
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			exactIntegerHook,
			mapstructure.StringToTimeHookFunc(c.timeLayout()),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, conversionError(expected, "", err)
	}
	if err := decoder.Decode(wire); err != nil {
		return nil, conversionError(expected, fieldOf(err), err)
	}

	if expected.Kind() == reflect.Ptr {
		return out.Interface(), nil
	}
	return out.Elem().Interface(), nil
}

func (c *StructConverter) timeLayout() string {
	if c.TimeLayout == "" {
		return time.RFC3339Nano
	}
	return c.TimeLayout
}

// exactIntegerHook rejects numbers an integer field cannot hold exactly:
// fractions, and values outside the field's range. mapstructure would
// otherwise truncate or wrap them.
func exactIntegerHook(from, to reflect.Type, data any) (any, error) {
	if !isInteger(to.Kind()) {
		return data, nil
	}
	v := reflect.ValueOf(data)
	target := reflect.New(to).Elem()
	unsigned := isUnsigned(to.Kind())

	switch from.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return nil, fmt.Errorf("%v is not an integer", f)
		}
		if unsigned {
			if f < 0 || f >= math.MaxUint64 || target.OverflowUint(uint64(f)) {
				return nil, fmt.Errorf("%v overflows %s", f, to)
			}
		} else if f < math.MinInt64 || f >= math.MaxInt64 || target.OverflowInt(int64(f)) {
			return nil, fmt.Errorf("%v overflows %s", f, to)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := v.Int()
		if (unsigned && (n < 0 || target.OverflowUint(uint64(n)))) || (!unsigned && target.OverflowInt(n)) {
			return nil, fmt.Errorf("%d overflows %s", n, to)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n := v.Uint()
		if (unsigned && target.OverflowUint(n)) || (!unsigned && (n > math.MaxInt64 || target.OverflowInt(int64(n)))) {
			return nil, fmt.Errorf("%d overflows %s", n, to)
		}
	}
	return data, nil
}

func isInteger(k reflect.Kind) bool {
	return (k >= reflect.Int && k <= reflect.Int64) || isUnsigned(k)
}

func isUnsigned(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

// checkRequired reports the first top-level field that has no omitempty and
// is not a pointer but is absent from wire.
func checkRequired(t reflect.Type, wire map[string]any) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name, omitempty := jsonName(f)
		if name == "-" || omitempty || f.Type.Kind() == reflect.Ptr {
			continue
		}
		if _, ok := wire[name]; !ok {
			return conversionError(t, name, fmt.Errorf("missing required field %q", name))
		}
	}
	return nil
}

func jsonName(f reflect.StructField) (string, bool) {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return f.Name, false
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	if tag == "-" {
		name = "-"
	}
	omitempty := false
	for _, opt := range strings.Split(opts, ",") {
		if opt == "omitempty" || opt == "omitzero" {
			omitempty = true
		}
	}
	return name, omitempty
}

// fieldOf extracts the field name from the first mapstructure error message
// ("'name' expected type ...").
func fieldOf(err error) string {
	var msErr *mapstructure.Error
	if !errors.As(err, &msErr) || len(msErr.Errors) == 0 {
		return ""
	}
	first := msErr.Errors[0]
	start := strings.IndexByte(first, '\'')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(first[start+1:], '\'')
	if end < 0 {
		return ""
	}
	return first[start+1 : start+1+end]
}
