package transport

import (
	"fmt"
	"sort"
	"strconv"
)

// Well-known header keys set by backends on delivered messages.
const (
	HeaderMessageID    = "message-id"
	HeaderSubscription = "subscription"
	HeaderTimestamp    = "timestamp"
	HeaderDestination  = "destination"
)

// Header carries scalar values alongside a delivered message. Key order is
// only relevant for display; Keys returns a stable order for that purpose.
type Header map[string]any

// Clone returns a shallow copy of the header.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	cloned := make(Header, len(h))
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy of the header containing the provided key/value pair.
func (h Header) With(key string, value any) Header {
	cloned := make(Header, len(h)+1)
	for k, v := range h {
		cloned[k] = v
	}
	cloned[key] = value
	return cloned
}

// Keys returns the header keys in display order.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the value of key formatted as a string, or "" when absent.
func (h Header) String(key string) string {
	v, ok := h[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int64 returns the value of key as an integer. Numeric values and numeric
// strings are accepted.
func (h Header) Int64(key string) (int64, bool) {
	switch v := h[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	default:
		return 0, false
	}
}
