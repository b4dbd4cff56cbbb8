// Package vault stores original files as encrypted blobs under a
// date-partitioned directory tree. Files on disk are pure ciphertext; the
// wrapped data key lives in the manifest row, so a stolen vault directory
// is useless without the database and the passphrase.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"mnemos/internal/crypto"
	"mnemos/internal/envelope"
	"mnemos/internal/logging"
	"mnemos/internal/types"
)

// Vault is the encrypted file store rooted at one directory.
type Vault struct {
	root  string
	clock types.Clock
}

// New opens (creating if needed) a vault rooted at dir.
func New(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}
	return &Vault{root: dir, clock: types.WallClock{}}, nil
}

// WriteResult describes a stored blob.
type WriteResult struct {
	RelPath       string // YYYY/MM/<uuid>.enc, relative to the vault root
	CipherDigest  string // hex SHA-256 of the ciphertext on disk
	EncryptedSize int64
	KeyEnv        []byte // marshaled key envelope for the manifest row
}

// Write encrypts data under a fresh DEK wrapped by fileKey and stores it at
// a new date-partitioned path. The blob lands via temp-then-rename so a
// crash never leaves a partial file at its final path.
func (v *Vault) Write(fileKey, data []byte) (*WriteResult, error) {
	ct, keyEnv, err := envelope.SealDetached(fileKey, data)
	if err != nil {
		return nil, err
	}
	keyEnvBytes, err := keyEnv.Marshal()
	if err != nil {
		return nil, err
	}

	now := v.clock.Now()
	rel := filepath.Join(now.Format("2006"), now.Format("01"), uuid.NewString()+".enc")
	abs := filepath.Join(v.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault partition: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".vault-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(ct); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write vault blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to sync vault blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to finalize vault blob: %w", err)
	}

	logging.Get(logging.CategoryVault).Debugw("blob stored", "path", rel, "bytes", len(ct))
	return &WriteResult{
		RelPath:       rel,
		CipherDigest:  crypto.DigestHex(ct),
		EncryptedSize: int64(len(ct)),
		KeyEnv:        keyEnvBytes,
	}, nil
}

// Read decrypts the blob at relPath using its manifest key envelope.
func (v *Vault) Read(fileKey []byte, relPath string, keyEnvBytes []byte) ([]byte, error) {
	abs, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}
	ct, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.E(types.ErrNotFound, "vault blob %s missing", relPath)
		}
		return nil, fmt.Errorf("failed to read vault blob: %w", err)
	}
	keyEnv, err := envelope.Unmarshal(keyEnvBytes)
	if err != nil {
		return nil, err
	}
	return envelope.OpenDetached(fileKey, keyEnv, ct)
}

// DigestAt hashes the ciphertext at relPath, for the integrity audit.
func (v *Vault) DigestAt(relPath string) (string, int64, error) {
	abs, err := v.resolve(relPath)
	if err != nil {
		return "", 0, err
	}
	ct, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, types.E(types.ErrNotFound, "vault blob %s missing", relPath)
		}
		return "", 0, err
	}
	return crypto.DigestHex(ct), int64(len(ct)), nil
}

// Remove deletes a blob (purge path). A missing blob is not an error.
func (v *Vault) Remove(relPath string) error {
	abs, err := v.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove vault blob: %w", err)
	}
	return nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string { return v.root }

// resolve maps a manifest path onto the vault root, rejecting anything
// that would escape it.
func (v *Vault) resolve(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", types.E(types.ErrInternal, "invalid vault path %q", relPath)
	}
	return filepath.Join(v.root, clean), nil
}
