// Package rollout assigns stable identifiers to percentage buckets so an
// experimental code path can be trialed without re-randomizing individual
// users between requests.
package rollout

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Bucket maps an identifier to [0, 100). The mapping is deterministic: the
// same id lands in the same bucket on every process and every run.
func Bucket(id string) uint64 {
	return xxhash.Sum64String(id) % 100
}

// InRollout reports whether id falls within the first percent buckets.
// percent <= 0 selects nobody, percent >= 100 selects everybody.
func InRollout(id string, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	return Bucket(id) < uint64(percent)
}

// StableKey builds the bucketing identity for a request. The first non-empty
// identifier wins so a user keeps their backend across sessions, and a
// session keeps it across queries.
func StableKey(userID, sessionID, tenantID string) string {
	switch {
	case userID != "":
		return "user:" + userID
	case sessionID != "":
		return "session:" + sessionID
	default:
		return "tenant:" + tenantID
	}
}

// HashID returns a short stable digest of an identifier, for tagging shared
// observability sinks without leaking the raw value.
func HashID(id string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(id))
}
