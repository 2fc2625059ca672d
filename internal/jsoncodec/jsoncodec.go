// Package jsoncodec is the single JSON entry point of the module. It is backed
// by sonic configured for encoding/json compatibility.
//
// Unmarshal follows encoding/json and decodes every number held in an
// interface as float64. UnmarshalWire keeps integers exact as int64 and is
// used wherever decoded values become wire-form messages or envelopes.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd

	// wireConfig matches ConfigStd except that integers in interfaces decode
	// as int64, so values above 2^53 survive a round trip.
	wireConfig = sonic.Config{
		EscapeHTML:       true,
		SortMapKeys:      true,
		CompactMarshaler: true,
		CopyString:       true,
		ValidateString:   true,
		UseInt64:         true,
	}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalWire decodes data like Unmarshal, except that integral numbers
// stored in interface values become int64. Numbers with a fraction or an
// exponent stay float64.
func UnmarshalWire(data []byte, v any) error {
	return wireConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
