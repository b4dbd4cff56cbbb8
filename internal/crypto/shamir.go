package crypto

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/corvus-ch/shamir"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"

	"mnemos/internal/types"
)

// A share is rendered as "<index>: <24 bip39 words>". The index is the
// GF(256) x-coordinate; the words encode the 32-byte y-vector. An optional
// share passphrase is mixed in as a length-preserving Argon2id pad so the
// words alone are useless without it.

// SplitMaster splits the master key into n mnemonic shares, any k of which
// recover it.
func SplitMaster(master []byte, k, n int, passphrase string) ([]string, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(master))
	}
	if k < 2 || n < k || n > 255 {
		return nil, fmt.Errorf("invalid share parameters k=%d n=%d", k, n)
	}
	parts, err := shamir.Split(master, n, k)
	if err != nil {
		return nil, fmt.Errorf("failed to split master: %w", err)
	}
	shares := make([]string, 0, n)
	for x, y := range parts {
		buf := make([]byte, len(y))
		copy(buf, y)
		if passphrase != "" {
			xorPad(buf, passphrase, x)
		}
		words, err := bip39.NewMnemonic(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to encode share %d: %w", x, err)
		}
		shares = append(shares, fmt.Sprintf("%d: %s", x, words))
	}
	return shares, nil
}

// CombineShares reconstructs the master key from k or more mnemonic shares.
// Below-threshold input yields InsufficientShares; a wrong passphrase yields
// a wrong key, detectable only through the stored verifier.
func CombineShares(mnemonics []string, threshold int, passphrase string) ([]byte, error) {
	if len(mnemonics) < threshold {
		return nil, types.E(types.ErrInsufficientShares, "%d of %d shares supplied", len(mnemonics), threshold)
	}
	parts := make(map[byte][]byte, len(mnemonics))
	for _, m := range mnemonics {
		x, y, err := decodeShare(m)
		if err != nil {
			return nil, err
		}
		if passphrase != "" {
			xorPad(y, passphrase, x)
		}
		parts[x] = y
	}
	if len(parts) < threshold {
		return nil, types.E(types.ErrInsufficientShares, "%d distinct shares of %d required", len(parts), threshold)
	}
	master, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return master, nil
}

func decodeShare(s string) (byte, []byte, error) {
	idx, words, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, nil, fmt.Errorf("share missing index prefix")
	}
	x, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil || x < 1 || x > 255 {
		return 0, nil, fmt.Errorf("invalid share index %q", idx)
	}
	entropy, err := bip39.EntropyFromMnemonic(strings.TrimSpace(words))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid share mnemonic: %w", err)
	}
	return byte(x), entropy, nil
}

// xorPad mixes a passphrase-derived stream into a share in place. The pad is
// salted by the share index so identical passphrases produce distinct pads
// per share.
func xorPad(share []byte, passphrase string, index byte) {
	salt := []byte{'m', 'n', 'e', 'm', 'o', 's', '-', 's', 'h', 'a', 'r', 'e', index}
	pad := argon2.IDKey([]byte(passphrase), salt, 2, 32*1024, 1, uint32(len(share)))
	for i := range share {
		share[i] ^= pad[i]
	}
	Zero(pad)
}
