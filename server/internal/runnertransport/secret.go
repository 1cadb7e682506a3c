package runnertransport

import (
	"crypto/sha256"
	"encoding/hex"
)

// sha256Hex returns the lowercase hex-encoded SHA-256 digest of s. Used to
// derive the comparison value for a runner's shared secret; the digest
// itself, never the raw secret, is what gets stored in Runner.AuthSecretHash.
func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
