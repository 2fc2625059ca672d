package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderCloneAndWith(t *testing.T) {
	var empty Header
	assert.Nil(t, empty.Clone())

	h := Header{"a": 1}
	cloned := h.Clone()
	cloned["b"] = 2
	assert.NotContains(t, h, "b")

	with := h.With("c", "x")
	assert.Equal(t, Header{"a": 1, "c": "x"}, with)
	assert.Equal(t, Header{"a": 1}, h)

	assert.Equal(t, Header{"k": true}, empty.With("k", true))
}

func TestHeaderKeysSorted(t *testing.T) {
	h := Header{"zeta": 1, "alpha": 2, "mid": 3}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, h.Keys())
	assert.Empty(t, Header(nil).Keys())
}

func TestHeaderString(t *testing.T) {
	h := Header{"s": "text", "n": 42, "nil": nil}
	assert.Equal(t, "text", h.String("s"))
	assert.Equal(t, "42", h.String("n"))
	assert.Equal(t, "", h.String("nil"))
	assert.Equal(t, "", h.String("missing"))
}

func TestHeaderInt64(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int64
		ok    bool
	}{
		{name: "int", value: 7, want: 7, ok: true},
		{name: "int64", value: int64(1700000000000), want: 1700000000000, ok: true},
		{name: "float64 from json", value: float64(12), want: 12, ok: true},
		{name: "numeric string", value: "99", want: 99, ok: true},
		{name: "float string", value: "1.5", want: 1, ok: true},
		{name: "garbage string", value: "abc", ok: false},
		{name: "bool", value: true, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Header{"k": tt.value}.Int64("k")
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
