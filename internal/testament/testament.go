// Package testament manages inheritance: splitting the master key into
// keyholder shares, reconstructing it from a quorum, and the heir-mode
// session that results. Heir sessions see public memories only and can
// write nothing but audit rows.
package testament

import (
	"context"
	"fmt"

	"mnemos/internal/crypto"
	"mnemos/internal/logging"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// Service wires share lifecycle to the store and session.
type Service struct {
	st   *store.LocalStore
	sess *session.Session
}

// New builds the testament service.
func New(st *store.LocalStore, sess *session.Session) *Service {
	return &Service{st: st, sess: sess}
}

// GenerateShares derives the master from the owner's passphrase, verifies
// it, and splits it k-of-n. The share mnemonics are returned exactly once
// and never persisted; the config records only that generation happened.
// An optional sharePassphrase additionally encrypts each share.
func (s *Service) GenerateShares(ctx context.Context, ownerPassphrase, sharePassphrase string) ([]string, error) {
	cfg, err := s.st.GetTestamentConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.SharesGenerated {
		return nil, types.E(types.ErrConflict, "shares already generated for %d-of-%d",
			cfg.Threshold, cfg.TotalShares)
	}

	master, err := s.deriveMaster(ctx, ownerPassphrase)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(master)

	shares, err := crypto.SplitMaster(master, cfg.Threshold, cfg.TotalShares, sharePassphrase)
	if err != nil {
		return nil, err
	}

	cfg.SharesGenerated = true
	if err := s.st.PutTestamentConfig(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.st.AppendAudit(ctx, "shares_generated",
		fmt.Sprintf("%d-of-%d", cfg.Threshold, cfg.TotalShares)); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryShield).Infow("inheritance shares generated",
		"threshold", cfg.Threshold, "total", cfg.TotalShares)
	return shares, nil
}

// ActivateHeirMode reconstructs the master from a share quorum and unlocks
// a restricted session. Too few shares fail with InsufficientShares before
// any combination is attempted; a wrong set or wrong share passphrase
// produces a key the verifier rejects.
func (s *Service) ActivateHeirMode(ctx context.Context, shares []string, sharePassphrase string) error {
	cfg, err := s.st.GetTestamentConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.SharesGenerated {
		return types.E(types.ErrPreconditionFailed, "no shares have been generated")
	}

	master, err := crypto.CombineShares(shares, cfg.Threshold, sharePassphrase)
	if err != nil {
		return err
	}
	auth, err := s.st.GetAuthState(ctx)
	if err != nil {
		crypto.Zero(master)
		return err
	}
	if err := s.sess.UnlockHeir(master, auth.Verifier); err != nil {
		crypto.Zero(master)
		return err
	}

	if err := s.st.SetHeirMode(ctx, true); err != nil {
		return err
	}
	if err := s.st.AppendAudit(ctx, "heir_mode_activated",
		fmt.Sprintf("%d shares combined", len(shares))); err != nil {
		return err
	}
	logging.Get(logging.CategoryShield).Warn("heir mode activated")
	return nil
}

// DeactivateHeirMode returns the archive to the owner: their passphrase
// unlocks a full session and clears the heir flag.
func (s *Service) DeactivateHeirMode(ctx context.Context, ownerPassphrase string) error {
	master, err := s.deriveMaster(ctx, ownerPassphrase)
	if err != nil {
		return err
	}
	auth, err := s.st.GetAuthState(ctx)
	if err != nil {
		crypto.Zero(master)
		return err
	}
	if err := s.sess.Unlock(master, auth.Verifier); err != nil {
		crypto.Zero(master)
		return err
	}
	if err := s.st.SetHeirMode(ctx, false); err != nil {
		return err
	}
	return s.st.AppendAudit(ctx, "heir_mode_deactivated", "owner passphrase accepted")
}

// deriveMaster reproduces the master key from the stored salt and KDF
// parameters and verifies it before handing it back.
func (s *Service) deriveMaster(ctx context.Context, passphrase string) ([]byte, error) {
	auth, err := s.st.GetAuthState(ctx)
	if err != nil {
		return nil, err
	}
	master := crypto.DeriveMaster(passphrase, auth.Salt, auth.KDF)
	if !crypto.CheckVerifier(master, auth.Verifier) {
		crypto.Zero(master)
		return nil, types.E(types.ErrBadPassphrase, "verifier mismatch")
	}
	return master, nil
}
