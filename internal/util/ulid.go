package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

var entropy = &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(rand.Reader, 0)}

// New generates a ULID. Ids generated in the same millisecond still sort in creation order.
func New() string {
	return NewAt(time.Now())
}

func NewAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
