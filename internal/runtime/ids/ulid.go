package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID string. Used for correlation ids and
// for lock tokens handed out by the in-memory broker.
func CreateULID() string {
	return createAt(time.Now())
}

func createAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IssuedAt returns the timestamp encoded in a ULID string. ok is false when id
// is not a valid ULID.
func IssuedAt(id string) (time.Time, bool) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
