package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashString returns a hex digest of input, used for cache keys.
func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// HashParts hashes parts joined with a separator that cannot appear in
// ordinary text, so ("ab","c") and ("a","bc") differ.
func HashParts(parts ...string) string {
	return HashString(strings.Join(parts, "\x1f"))
}
