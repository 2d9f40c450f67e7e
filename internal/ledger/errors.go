package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddiefleurent/spread_ledger/internal/models"
	"github.com/eddiefleurent/spread_ledger/internal/reconcile"
	"github.com/eddiefleurent/spread_ledger/internal/storage"
)

// Kind classifies failures at the boundary.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindPersistence Kind = "persistence"
	KindInternal    Kind = "internal"
)

// Sentinels matched with errors.Is. Several alias the lower layers so a
// wrapped storage or model error still matches.
var (
	ErrCapacity      = errors.New("maximum open positions reached")
	ErrNotFound      = errors.New("trade not found")
	ErrDuplicateOpen = storage.ErrDuplicateOpen
	ErrNotOpen       = models.ErrNotOpen
	ErrUnavailable   = storage.ErrUnavailable
	ErrInvalidTrade  = models.ErrInvalidTrade
)

// Error is a classified failure. Message is safe to show callers; Err keeps
// the internal cause for logs and errors.Is.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind != KindValidation && e.Kind != KindConflict {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, reason string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// classify maps a lower-layer error to an *Error. op names the failed
// action for persistence messages.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	switch {
	case errors.Is(err, storage.ErrInvalidUserID):
		return newError(KindValidation, "invalid_user", err, "invalid user id")
	case errors.Is(err, models.ErrInvalidTrade):
		return newError(KindValidation, "invalid_trade", err, "%s", err.Error())
	case errors.Is(err, storage.ErrDuplicateOpen):
		return newError(KindConflict, "duplicate_open", err, "an open position on the same instrument already exists")
	case errors.Is(err, models.ErrNotOpen):
		return newError(KindConflict, "not_open", err, "trade is already closed")
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, reconcile.ErrStoreUnavailable):
		return newError(KindUnavailable, "store_unavailable", err, "ledger store unavailable")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(KindUnavailable, "canceled", err, "request canceled or timed out")
	default:
		return newError(KindPersistence, "store_failed", err, "failed to %s", op)
	}
}
