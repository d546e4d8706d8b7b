package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewToken returns a cryptographically random hex string of n bytes.
// Session tokens use 24 bytes so they are not guessable.
func NewToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
