package queue

import (
	"fmt"
	"math"
	"time"

	"github.com/drblury/workflows/transport"
)

// The helpers below accept payload values both in their in-process form and
// in the shape they take after a JSON round trip.

func asHeader(v any) transport.Header {
	switch h := v.(type) {
	case transport.Header:
		return h
	case map[string]any:
		return transport.Header(h)
	case map[string]string:
		out := make(transport.Header, len(h))
		for k, val := range h {
			out[k] = val
		}
		return out
	default:
		return nil
	}
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case transport.TransactionID:
		return string(s), true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}

func asTransaction(v any) transport.TransactionID {
	s, _ := asString(v)
	return transport.TransactionID(s)
}

// asInt accepts only values that are exact integers within the range of int.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		if n < math.MinInt || n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) || n < math.MinInt || n >= math.MaxInt {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func asDelay(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case float64:
		return time.Duration(d * float64(time.Second)), true
	case int:
		return time.Duration(d) * time.Second, true
	case int64:
		return time.Duration(d) * time.Second, true
	case time.Duration:
		return d, true
	default:
		return 0, false
	}
}

func asOptions(v any) []transport.SubscribeOption {
	var options map[string]any
	switch o := v.(type) {
	case transport.SubscribeOptions:
		options = o
	case map[string]any:
		options = o
	}
	opts := make([]transport.SubscribeOption, 0, len(options))
	for k, val := range options {
		opts = append(opts, transport.WithOption(k, val))
	}
	return opts
}

// tuple returns payload as a list of at least n elements.
func tuple(env Envelope, n int) ([]any, error) {
	list, ok := env.Payload.([]any)
	if !ok || len(list) < n {
		return nil, fmt.Errorf("workflows: malformed %s envelope payload %v", env.Call, env.Payload)
	}
	return list, nil
}
