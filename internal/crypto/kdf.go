package crypto

import (
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
)

// KDFParams are the memory-hard derivation parameters persisted next to the
// verifier so login can reproduce the master key decades from now.
type KDFParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
	KeyLen    uint32 `json:"key_len"`
}

// DefaultKDFParams: Argon2id t=3, m=64MiB, p=1, 32-byte output.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 1, KeyLen: KeySize}
}

// DeriveMaster stretches a passphrase into the master key.
func DeriveMaster(passphrase string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen)
}

// Sub-key purpose labels. The "git" label is historical: the file-recipient
// layer originally fed an encrypted-git remote and the label is kept so
// existing vaults stay decryptable.
const (
	PurposeKEK    = "kek"
	PurposeSearch = "search"
	PurposeFile   = "git"
)

// DeriveSubKey expands the master into a purpose-scoped 32-byte sub-key via
// HKDF-SHA256.
func DeriveSubKey(master []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive %q sub-key: %w", purpose, err)
	}
	return key, nil
}

// verifierLabel is the fixed message whose HMAC under the master key is the
// stored passphrase verifier.
const verifierLabel = "auth_check"

// Verifier computes the stored passphrase verifier for a master key.
func Verifier(master []byte) []byte {
	return KeyedHash(master, []byte(verifierLabel))
}

// CheckVerifier compares a candidate master against the stored verifier in
// constant time.
func CheckVerifier(master, stored []byte) bool {
	return VerifyKeyedHash(master, []byte(verifierLabel), stored)
}
