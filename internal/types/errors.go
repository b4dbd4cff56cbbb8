package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the transport layer. Precedence when several
// could apply follows the declaration order below.
type Kind int

const (
	KindNone Kind = iota
	KindAuthRequired
	KindSessionLocked
	KindBadPassphrase
	KindTamperDetected
	KindNotFound
	KindConflict
	KindPreconditionFailed
	KindConversionFailed
	KindModelUnavailable
	KindModelMismatch
	KindInsufficientShares
	KindQuotaExceeded
	KindInternal
)

// Sentinel errors for each kind. Wrap with %w so KindOf can classify.
var (
	ErrAuthRequired       = &kindError{KindAuthRequired, "authentication required"}
	ErrSessionLocked      = &kindError{KindSessionLocked, "session is locked"}
	ErrBadPassphrase      = &kindError{KindBadPassphrase, "passphrase verification failed"}
	ErrTamperDetected     = &kindError{KindTamperDetected, "ciphertext integrity check failed"}
	ErrNotFound           = &kindError{KindNotFound, "not found"}
	ErrConflict           = &kindError{KindConflict, "conflict"}
	ErrPreconditionFailed = &kindError{KindPreconditionFailed, "precondition failed"}
	ErrConversionFailed   = &kindError{KindConversionFailed, "format conversion failed"}
	ErrModelUnavailable   = &kindError{KindModelUnavailable, "model endpoint unavailable"}
	ErrModelMismatch      = &kindError{KindModelMismatch, "embedding model mismatch"}
	ErrInsufficientShares = &kindError{KindInsufficientShares, "insufficient shares"}
	ErrQuotaExceeded      = &kindError{KindQuotaExceeded, "quota exceeded"}
	ErrInternal           = &kindError{KindInternal, "internal error"}
)

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// KindOf walks the error chain and returns the first classified kind, or
// KindInternal for unclassified non-nil errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}

// E wraps a sentinel with operation detail. The sentinel stays in the chain
// so classification survives.
func E(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
