// Package ids generates the opaque identifiers used by transports: transaction
// ids, message ids and the suffix of temporary channel names.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Successive calls within the same millisecond still sort in call order.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// TemporaryName derives an ephemeral channel name from an optional hint.
func TemporaryName(prefix, hint string) string {
	suffix := strings.ToLower(CreateULID())
	hint = strings.Trim(hint, ". ")
	if hint == "" {
		return prefix + suffix
	}
	return prefix + hint + "." + suffix
}
