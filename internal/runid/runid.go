// Package runid generates sortable identifiers for migrate runs.
package runid

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// New returns a run ID stamped with t. IDs created in the same
// millisecond still sort in creation order.
func New(t time.Time) string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// StartedAt returns the time encoded in a run ID.
func StartedAt(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}
