package storage

import "errors"

var (
	// ErrDuplicateOpen is returned when an upsert would create a second open
	// trade on the same instrument for one owner.
	ErrDuplicateOpen = errors.New("duplicate open position")
	// ErrUnavailable is returned when no relational backend is configured or
	// it failed to open.
	ErrUnavailable = errors.New("ledger store unavailable")
	// ErrInvalidUserID is returned for user ids that cannot name a document.
	ErrInvalidUserID = errors.New("invalid user id")
)
