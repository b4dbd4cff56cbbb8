// Package crypto wraps the four primitives the rest of Mnemos builds on:
// authenticated encryption, passphrase and sub-key derivation, constant-time
// keyed hashing, and k-of-n secret sharing. Nothing above this package
// touches golang.org/x/crypto directly.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"mnemos/internal/types"
)

const (
	// KeySize is the symmetric key length used everywhere.
	KeySize = 32
	// NonceSize is the AEAD nonce length (96 bits).
	NonceSize = chacha20poly1305.NonceSize
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// NewKey returns a fresh 256-bit key.
func NewKey() ([]byte, error) { return RandomBytes(KeySize) }

// Seal encrypts plaintext under key with a fresh nonce and returns
// nonce||ciphertext. The additional data binds context (field name, algo tag)
// into the authentication.
func Seal(key, plaintext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	nonce, err := RandomBytes(NonceSize)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, NonceSize+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, additional), nil
}

// Open decrypts nonce||ciphertext produced by Seal. Any tampering, and any
// key mismatch, fails with TamperDetected.
func Open(key, sealed, additional []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, types.E(types.ErrTamperDetected, "sealed blob too short (%d bytes)", len(sealed))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], additional)
	if err != nil {
		return nil, types.E(types.ErrTamperDetected, "authenticated decryption failed")
	}
	return plaintext, nil
}

// KeyedHash computes HMAC-SHA256 over data.
func KeyedHash(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyKeyedHash compares an HMAC in constant time.
func VerifyKeyedHash(key, data, expected []byte) bool {
	return subtle.ConstantTimeCompare(KeyedHash(key, data), expected) == 1
}

// Digest is the content-type-neutral integrity hash used for plaintext and
// ciphertext fingerprints.
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DigestHex renders a Digest for storage.
func DigestHex(data []byte) string {
	return fmt.Sprintf("%x", Digest(data))
}

// Zero overwrites a key buffer. Best effort: Go gives no guarantee the GC
// has not already copied the backing array, so callers keep key lifetimes
// short and single-owner.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
