// Package apperr holds the error taxonomy shared by the ingestion pipeline and
// the chat orchestrator.
//
// Transient errors (network, rate limits, timeouts) are retried with bounded
// backoff. Permanent errors (unsupported format, corrupt file, dimension
// mismatch) fail immediately.
package apperr

import (
	"errors"
)

var (
	ErrUnsupportedFormat    = errors.New("unsupported format")
	ErrCorruptFile          = errors.New("corrupt file")
	ErrDimensionMismatch    = errors.New("embedding dimension mismatch")
	ErrGenerationInProgress = errors.New("generation in progress")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrBusy                 = errors.New("resource busy")
)

type kind int

const (
	kindTransient kind = iota + 1
	kindPermanent
)

type classified struct {
	kind kind
	err  error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kindTransient, err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kindPermanent, err: err}
}

// IsPermanent reports whether err must not be retried. The outermost
// classification wins; unclassified errors are permanent only when they wrap
// one of the permanent sentinels.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var c *classified
	if errors.As(err, &c) {
		return c.kind == kindPermanent
	}
	return errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrCorruptFile) ||
		errors.Is(err, ErrDimensionMismatch)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
