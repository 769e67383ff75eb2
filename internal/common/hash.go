package common

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// ContentHash returns the 16-hex-char fingerprint of a text: SHA-256 over
// the lowercased text with all whitespace removed. Used as the parse cache
// key and for exact-duplicate detection, so formatting-only changes hash
// identically.
func ContentHash(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// PromptHash returns a short fingerprint for prompt/output audit fields.
func PromptHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}
