// Package shield is the authentication front of the key hierarchy: first-
// run setup, login, lock, and passphrase rotation. The server never sees
// the passphrase longer than it takes to stretch it, and never stores more
// than salt, KDF parameters, and verifier.
package shield

import (
	"context"

	"mnemos/internal/crypto"
	"mnemos/internal/logging"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
	"mnemos/internal/vector"
)

// Shield drives the auth lifecycle.
type Shield struct {
	st   *store.LocalStore
	vs   *vector.Store
	sess *session.Session

	// onUnlock fires after a successful owner login, used to record a
	// heartbeat liveness proof.
	onUnlock func(context.Context)
}

// New builds the shield. onUnlock may be nil.
func New(st *store.LocalStore, vs *vector.Store, sess *session.Session, onUnlock func(context.Context)) *Shield {
	return &Shield{st: st, vs: vs, sess: sess, onUnlock: onUnlock}
}

// Setup initializes auth state with a fresh salt and the default KDF
// parameters. Running setup twice is a Conflict; there is no overwrite
// path short of re-key.
func (sh *Shield) Setup(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		return types.E(types.ErrPreconditionFailed, "empty passphrase")
	}
	if _, err := sh.st.GetAuthState(ctx); err == nil {
		return types.E(types.ErrConflict, "already initialized")
	} else if types.KindOf(err) != types.KindNotFound {
		return err
	}

	salt, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return err
	}
	params := crypto.DefaultKDFParams()
	master := crypto.DeriveMaster(passphrase, salt, params)
	verifier := crypto.Verifier(master)

	if err := sh.st.PutAuthState(ctx, &store.AuthState{
		Salt: salt, KDF: params, Verifier: verifier,
	}); err != nil {
		crypto.Zero(master)
		return err
	}
	if err := sh.sess.Unlock(master, verifier); err != nil {
		return err
	}
	if sh.onUnlock != nil {
		sh.onUnlock(ctx)
	}
	logging.Get(logging.CategoryShield).Info("vault initialized")
	return nil
}

// SaltAndParams returns what a client needs before it can log in. Public
// by design: salt and KDF parameters are not secrets.
func (sh *Shield) SaltAndParams(ctx context.Context) (*store.AuthState, error) {
	a, err := sh.st.GetAuthState(ctx)
	if err != nil {
		return nil, err
	}
	// Never hand the verifier out with the bootstrap data.
	return &store.AuthState{Salt: a.Salt, KDF: a.KDF}, nil
}

// Login stretches the passphrase and unlocks the session. A wrong
// passphrase fails at the verifier, indistinguishable from a wrong share
// set on the heir path.
func (sh *Shield) Login(ctx context.Context, passphrase string) error {
	auth, err := sh.st.GetAuthState(ctx)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return types.E(types.ErrPreconditionFailed, "not initialized")
		}
		return err
	}
	master := crypto.DeriveMaster(passphrase, auth.Salt, auth.KDF)
	if err := sh.sess.Unlock(master, auth.Verifier); err != nil {
		crypto.Zero(master)
		return err
	}
	if sh.onUnlock != nil {
		sh.onUnlock(ctx)
	}
	return nil
}

// SetupWithMaster initializes auth state from a client-side derivation: the
// client already ran the KDF and uploads salt, parameters, verifier, and the
// master key once. The master is stretched into sub-keys and discarded.
func (sh *Shield) SetupWithMaster(ctx context.Context, salt []byte, params crypto.KDFParams, verifier, master []byte) error {
	if len(salt) != crypto.KeySize || len(master) != crypto.KeySize {
		crypto.Zero(master)
		return types.E(types.ErrPreconditionFailed, "salt and master key must be %d bytes", crypto.KeySize)
	}
	if !crypto.CheckVerifier(master, verifier) {
		crypto.Zero(master)
		return types.E(types.ErrBadPassphrase, "verifier does not match master key")
	}
	if _, err := sh.st.GetAuthState(ctx); err == nil {
		crypto.Zero(master)
		return types.E(types.ErrConflict, "already initialized")
	} else if types.KindOf(err) != types.KindNotFound {
		crypto.Zero(master)
		return err
	}
	if err := sh.st.PutAuthState(ctx, &store.AuthState{
		Salt: salt, KDF: params, Verifier: verifier,
	}); err != nil {
		crypto.Zero(master)
		return err
	}
	if err := sh.sess.Unlock(master, verifier); err != nil {
		return err
	}
	if sh.onUnlock != nil {
		sh.onUnlock(ctx)
	}
	logging.Get(logging.CategoryShield).Info("vault initialized")
	return nil
}

// LoginWithMaster unlocks the session from an uploaded master key.
func (sh *Shield) LoginWithMaster(ctx context.Context, master []byte) error {
	auth, err := sh.st.GetAuthState(ctx)
	if err != nil {
		crypto.Zero(master)
		if types.KindOf(err) == types.KindNotFound {
			return types.E(types.ErrPreconditionFailed, "not initialized")
		}
		return err
	}
	if err := sh.sess.Unlock(master, auth.Verifier); err != nil {
		crypto.Zero(master)
		return err
	}
	if sh.onUnlock != nil {
		sh.onUnlock(ctx)
	}
	return nil
}

// Lock wipes the session keys.
func (sh *Shield) Lock() {
	sh.sess.Lock()
}
