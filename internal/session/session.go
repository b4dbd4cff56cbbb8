// Package session holds the process-wide key material lifecycle:
// Locked → Unlocked → Locked. While unlocked, the KEK, search key, and file
// key live in memory only; lock zeroes them and waits for in-flight
// encrypt/decrypt work to drain via the reader/writer guard.
package session

import (
	"sync"
	"time"

	"mnemos/internal/crypto"
	"mnemos/internal/logging"
	"mnemos/internal/types"
)

// Keys are the sub-keys an unlocked session exposes. Callers must not retain
// them past the callback that granted access.
type Keys struct {
	KEK    []byte
	Search []byte
	File   []byte
}

// Session is the process singleton guarding key material.
type Session struct {
	mu          sync.RWMutex
	keys        *Keys
	heirMode    bool
	lastUse     time.Time
	idleTimeout time.Duration
	clock       types.Clock

	subMu       sync.Mutex
	subscribers []chan struct{}
}

// New creates a locked session. idleTimeout <= 0 disables auto-lock.
func New(idleTimeout time.Duration, clock types.Clock) *Session {
	if clock == nil {
		clock = types.WallClock{}
	}
	return &Session{idleTimeout: idleTimeout, clock: clock}
}

// Unlock verifies the master key against the stored verifier, derives the
// sub-keys, and discards the master. The caller's master buffer is zeroed
// on success.
func (s *Session) Unlock(master, storedVerifier []byte) error {
	if !crypto.CheckVerifier(master, storedVerifier) {
		return types.E(types.ErrBadPassphrase, "verifier mismatch")
	}
	return s.install(master, false)
}

// UnlockHeir installs keys from a share-combined master without clearing
// heir restrictions. The same verifier check applies: a wrong passphrase or
// wrong share set fails here, never later.
func (s *Session) UnlockHeir(master, storedVerifier []byte) error {
	if !crypto.CheckVerifier(master, storedVerifier) {
		return types.E(types.ErrBadPassphrase, "verifier mismatch")
	}
	return s.install(master, true)
}

func (s *Session) install(master []byte, heir bool) error {
	kek, err := crypto.DeriveSubKey(master, crypto.PurposeKEK)
	if err != nil {
		return err
	}
	search, err := crypto.DeriveSubKey(master, crypto.PurposeSearch)
	if err != nil {
		return err
	}
	file, err := crypto.DeriveSubKey(master, crypto.PurposeFile)
	if err != nil {
		return err
	}
	crypto.Zero(master)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys != nil {
		s.zeroLocked()
	}
	s.keys = &Keys{KEK: kek, Search: search, File: file}
	s.heirMode = heir
	s.lastUse = s.clock.Now()
	logging.Get(logging.CategoryShield).Infow("session unlocked", "heir_mode", heir)
	return nil
}

// WithKeys runs fn with the sub-keys under a read lock. Lock waits for all
// WithKeys calls to return before wiping.
func (s *Session) WithKeys(fn func(*Keys) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return types.E(types.ErrSessionLocked, "no keys in memory")
	}
	if s.idleTimeout > 0 && s.clock.Now().Sub(s.lastUse) > s.idleTimeout {
		return types.E(types.ErrSessionLocked, "session idle past %s", s.idleTimeout)
	}
	return fn(s.keys)
}

// Touch records activity for the idle auto-lock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUse = s.clock.Now()
	s.mu.Unlock()
}

// Lock wipes the sub-keys and notifies subscribers. Safe to call while
// locked.
func (s *Session) Lock() {
	s.mu.Lock()
	wasUnlocked := s.keys != nil
	s.zeroLocked()
	s.keys = nil
	s.heirMode = false
	s.mu.Unlock()

	if wasUnlocked {
		logging.Get(logging.CategoryShield).Info("session locked")
		s.notify()
	}
}

func (s *Session) zeroLocked() {
	if s.keys == nil {
		return
	}
	crypto.Zero(s.keys.KEK)
	crypto.Zero(s.keys.Search)
	crypto.Zero(s.keys.File)
}

// Unlocked reports whether keys are currently in memory and fresh.
func (s *Session) Unlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return false
	}
	if s.idleTimeout > 0 && s.clock.Now().Sub(s.lastUse) > s.idleTimeout {
		return false
	}
	return true
}

// HeirMode reports whether the session was derived from combined shares.
// Heir sessions are read-only except audit-log appends.
func (s *Session) HeirMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heirMode
}

// OnLock returns a channel closed at the next lock, so long-running jobs can
// abandon decryption work when the keys go away.
func (s *Session) OnLock() <-chan struct{} {
	ch := make(chan struct{})
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Session) notify() {
	s.subMu.Lock()
	subs := s.subscribers
	s.subscribers = nil
	s.subMu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// StartIdleWatch launches the auto-lock sweep. The returned stop function
// halts it.
func (s *Session) StartIdleWatch(every time.Duration) (stop func()) {
	if s.idleTimeout <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				s.mu.RLock()
				expired := s.keys != nil && s.clock.Now().Sub(s.lastUse) > s.idleTimeout
				s.mu.RUnlock()
				if expired {
					logging.Get(logging.CategoryShield).Info("idle timeout reached, locking session")
					s.Lock()
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
