// Package envelope implements per-object envelope encryption: each payload
// gets a fresh data key (DEK), the DEK is wrapped by the session KEK, and
// both layers are tagged with the cipher suite and layout version so suites
// can be rotated incrementally.
package envelope

import (
	"encoding/json"
	"fmt"

	"mnemos/internal/crypto"
	"mnemos/internal/types"
)

// AlgoTag identifies a cipher suite. Closed set; unknown tags are rejected
// with Internal rather than guessed at.
type AlgoTag string

const (
	AlgoChaCha20Poly1305 AlgoTag = "chacha20poly1305/v1"
)

// Version is the envelope layout version.
const Version uint16 = 1

// Envelope bundles ciphertext with its wrapped data key. Both blobs are
// nonce||ciphertext as produced by crypto.Seal.
type Envelope struct {
	Ciphertext []byte  `json:"ct"`
	WrappedDEK []byte  `json:"dek"`
	Algo       AlgoTag `json:"algo"`
	Version    uint16  `json:"v"`
}

// Marshal renders an envelope for a database column.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a stored envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, types.E(types.ErrInternal, "failed to parse envelope")
	}
	return &e, nil
}

// Seal encrypts plaintext under a fresh DEK and wraps the DEK with kek.
// The algo tag is bound into both AEAD layers as additional data, so a blob
// relabelled to a different suite fails authentication.
func Seal(kek, plaintext []byte) (*Envelope, error) {
	dek, err := crypto.NewKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)

	ad := []byte(AlgoChaCha20Poly1305)
	ct, err := crypto.Seal(dek, plaintext, ad)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}
	wrapped, err := crypto.Seal(kek, dek, ad)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}
	return &Envelope{
		Ciphertext: ct,
		WrappedDEK: wrapped,
		Algo:       AlgoChaCha20Poly1305,
		Version:    Version,
	}, nil
}

// Open unwraps the DEK with kek and decrypts the payload. Tampering at
// either layer surfaces as TamperDetected.
func Open(kek []byte, e *Envelope) ([]byte, error) {
	if e.Algo != AlgoChaCha20Poly1305 {
		return nil, types.E(types.ErrInternal, "unsupported cipher suite %q", e.Algo)
	}
	ad := []byte(e.Algo)
	dek, err := crypto.Open(kek, e.WrappedDEK, ad)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)
	return crypto.Open(dek, e.Ciphertext, ad)
}

// SealDetached encrypts plaintext under a fresh DEK but keeps ciphertext
// and key envelope separate, for vault files where the ciphertext lives on
// disk and only the wrapped key goes into the manifest.
func SealDetached(kek, plaintext []byte) (ct []byte, keyEnv *Envelope, err error) {
	dek, err := crypto.NewKey()
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(dek)

	ad := []byte(AlgoChaCha20Poly1305)
	ct, err = crypto.Seal(dek, plaintext, ad)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}
	wrapped, err := crypto.Seal(kek, dek, ad)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap data key: %w", err)
	}
	return ct, &Envelope{
		WrappedDEK: wrapped,
		Algo:       AlgoChaCha20Poly1305,
		Version:    Version,
	}, nil
}

// OpenDetached decrypts a detached ciphertext with its key envelope.
func OpenDetached(kek []byte, keyEnv *Envelope, ct []byte) ([]byte, error) {
	if keyEnv.Algo != AlgoChaCha20Poly1305 {
		return nil, types.E(types.ErrInternal, "unsupported cipher suite %q", keyEnv.Algo)
	}
	ad := []byte(keyEnv.Algo)
	dek, err := crypto.Open(kek, keyEnv.WrappedDEK, ad)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)
	return crypto.Open(dek, ct, ad)
}

// Reseal decrypts under the old KEK and re-encrypts under the new one with
// fresh keys, used during re-key. Plaintext is copied exactly once.
func Reseal(oldKEK, newKEK []byte, e *Envelope) (*Envelope, error) {
	plaintext, err := Open(oldKEK, e)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(plaintext)
	return Seal(newKEK, plaintext)
}

// RewrapDetached re-wraps a detached key envelope under a new KEK without
// touching the ciphertext, so re-key never rewrites vault blobs.
func RewrapDetached(oldKEK, newKEK []byte, keyEnv *Envelope) (*Envelope, error) {
	if keyEnv.Algo != AlgoChaCha20Poly1305 {
		return nil, types.E(types.ErrInternal, "unsupported cipher suite %q", keyEnv.Algo)
	}
	ad := []byte(keyEnv.Algo)
	dek, err := crypto.Open(oldKEK, keyEnv.WrappedDEK, ad)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)
	wrapped, err := crypto.Seal(newKEK, dek, ad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		WrappedDEK: wrapped,
		Algo:       keyEnv.Algo,
		Version:    keyEnv.Version,
	}, nil
}
