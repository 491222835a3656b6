package ownercrypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/evoluhq/evolu-go/errors"
)

// NonceSize is the XChaCha20-Poly1305 nonce length: 24 random bytes,
// prefixed onto every ciphertext so decryption never needs out-of-band
// nonce state.
const NonceSize = chacha20poly1305.NonceSizeX

// Encrypt seals plaintext under key with a fresh random nonce, returning
// nonce || ciphertext.
func Encrypt(key [EncryptionKeySize]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "ownercrypto: constructing AEAD")
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "ownercrypto: generating nonce")
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// ErrDecrypt is returned when a ciphertext fails to authenticate: wrong
// key, tampered content, or truncated input. Per the error taxonomy, the
// caller drops the message and logs a warning; it is not fatal to the
// replica.
var ErrDecrypt = errors.New("ownercrypto: decryption failed")

// Decrypt opens a nonce||ciphertext blob produced by Encrypt.
func Decrypt(key [EncryptionKeySize]byte, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "ownercrypto: constructing AEAD")
	}
	if len(sealed) < NonceSize {
		return nil, ErrDecrypt
	}

	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information about where they first differ. The relay in this repository
// does not check write keys, and nothing here calls this function.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
