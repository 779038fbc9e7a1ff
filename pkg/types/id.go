package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a packet id with a millisecond wall-clock prefix and a
// short random suffix: "1700000000000-3f2a91bc". The prefix keeps ids
// roughly sortable by creation time; the suffix breaks same-millisecond
// collisions.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt is NewID with an explicit clock, for tests.
func NewIDAt(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

// IDTime extracts the wall-clock prefix of a packet id. Returns the zero
// time when the id has no parseable prefix.
func IDTime(id string) time.Time {
	prefix, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
