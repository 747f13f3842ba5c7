// Package naming derives stable collection identifiers from user and
// session identifiers.
//
// Collection ids follow the format: docqa_<userhash>_<sessionhash>
// where each hash is the first 8 hex characters of a SHA-256 digest.
// The same (user, session) pair always maps to the same id, and the id
// is safe to use as a directory name on every common filesystem.
//
// Example:
//
//	id, err := naming.CollectionID("u1", "s1")
//	// Result: "docqa_0bfe9353_37834f2c" (stable)
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Prefix is the constant namespace prepended to every collection id.
const Prefix = "docqa"

// hashLength is the number of hex characters kept from each digest.
// 8 hex chars = 32 bits per component; with two independent components
// the chance of two distinct (user, session) pairs colliding stays
// negligible for any realistic session count. Accepted trade-off for
// short, filesystem-safe names.
const hashLength = 8

var (
	// ErrInvalidUserID indicates an empty or invalid user id.
	ErrInvalidUserID = errors.New("invalid user ID")

	// ErrInvalidSessionID indicates an empty or invalid session id.
	ErrInvalidSessionID = errors.New("invalid session ID")
)

// CollectionID derives the collection identifier for a (user, session)
// pair. It is deterministic and pure: no I/O, no global state.
func CollectionID(userID, sessionID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user ID required", ErrInvalidUserID)
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("%w: session ID required", ErrInvalidSessionID)
	}

	return fmt.Sprintf("%s_%s_%s", Prefix, shortHash(userID), shortHash(sessionID)), nil
}

// shortHash returns the first hashLength hex characters of the SHA-256
// digest of s.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLength]
}
