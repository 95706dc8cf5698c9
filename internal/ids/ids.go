// Package ids generates the identifiers used across the event stream.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a time-sortable ULID encoded as a 26-character string.
// Event ids are the idempotency key of the projection, so they must be
// globally unique.
func NewEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewProcessID returns a short human-readable process identifier.
func NewProcessID() string {
	return "proc-" + uuid.NewString()[:8]
}

// NewWorkerName derives a worker identity from the host and a random suffix.
func NewWorkerName(prefix, host string) string {
	return prefix + "-" + host + "-" + uuid.NewString()[:8]
}
