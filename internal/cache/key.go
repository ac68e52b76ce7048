// Package cache implements the response cache: an in-process expirable LRU
// and a Redis backend shared across instances.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize trims surrounding whitespace. Case is preserved because legal
// text is case-sensitive.
func Normalize(input string) string {
	return strings.TrimSpace(input)
}

// Key derives the content address of (agentName, input).
func Key(agentName, input string) string {
	h := sha256.New()
	h.Write([]byte(agentName))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(input)))
	return hex.EncodeToString(h.Sum(nil))
}
