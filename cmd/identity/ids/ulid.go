// Package ids provides ID primitives (ULID) shared by stores and the realtime layer.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	lastMS  uint64
	entropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new ULID string (26 chars).
// IDs generated by this process are strictly increasing, including within the same millisecond,
// so lexical order matches creation order for a single writer. A clock that steps backwards
// reuses the last timestamp instead of going back.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	mu.Lock()
	ms := ulid.Timestamp(now)
	if ms < lastMS {
		ms = lastMS
	}
	lastMS = ms
	id, err := ulid.New(ms, entropy)
	mu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot meaningfully recover (entropy failure).
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}
