package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashPassword returns the hex SHA-256 credential a client sends for a
// room password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// CredentialMatches compares a received credential with the expected hex
// hash in constant time, ignoring hex case and surrounding whitespace.
func CredentialMatches(credential, expectedHash string) bool {
	got := strings.ToLower(strings.TrimSpace(credential))
	want := strings.ToLower(strings.TrimSpace(expectedHash))
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
