// Package idgen generates the 21-character URL-safe identifiers used for
// rows and owners throughout this codebase. Device ids are hlc.NodeID
// values, not idgen ids.
package idgen

import (
	"crypto/rand"

	"github.com/evoluhq/evolu-go/errors"
)

// alphabet is NanoID's default URL-safe alphabet: 64 symbols so each
// character carries exactly 6 bits of entropy.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// Length is the number of characters in a generated Id.
const Length = 21

// New generates a fresh 21-character NanoID-style identifier.
func New() (string, error) {
	bytes := make([]byte, Length)
	if _, err := rand.Read(bytes); err != nil {
		return "", errors.Wrap(err, "idgen: reading random bytes")
	}
	out := make([]byte, Length)
	for i, b := range bytes {
		out[i] = alphabet[b&63]
	}
	return string(out), nil
}

// Valid reports whether s has the shape of a generated Id: 21 characters,
// all drawn from the URL-safe alphabet.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !inAlphabet(s[i]) {
			return false
		}
	}
	return true
}

func inAlphabet(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		return true
	default:
		return false
	}
}
