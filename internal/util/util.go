package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns prefix + "_" + ULID. ULIDs sort by creation time, which keeps
// event and vendor ids index-friendly.
func NewID(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(NowUTC()), rand.Reader).String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

// Snippet trims s to at most n runes, appending an ellipsis when cut.
func Snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
