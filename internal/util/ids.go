// Package util provides shared utility functions.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier with the given prefix, e.g.
// "iface_ws_6f1c...". The random part is a UUIDv4 without dashes.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PairKey returns the canonical key of an unordered pair: the smaller
// string first. Both ends of a pair always compute the same key.
func PairKey(a, b string) string {
	lo, hi := Order(a, b)
	return lo + "|" + hi
}

// Order returns (impolite, polite) for two identities. The impolite side
// is the one that sorts first and is the side that creates the offer.
func Order(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
