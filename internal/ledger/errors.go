package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine and by store implementations.
var (
	ErrInvalidAmount       = errors.New("ledger: amount must not be negative")
	ErrInvalidArgument     = errors.New("ledger: invalid argument")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrEntryNotFound       = errors.New("ledger: entry not found")
	ErrIdempotencyConflict = errors.New("ledger: idempotency key already used by a different entry")

	// ErrConflict and ErrTimeout are transient. No partial mutation happened
	// and the caller may retry with the same idempotency key.
	ErrConflict = errors.New("ledger: transaction conflict")
	ErrTimeout  = errors.New("ledger: transaction timed out")
)

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTimeout)
}

func keyConflict(key string, existing Entry) error {
	return fmt.Errorf("%w: key %q holds %s/%s", ErrIdempotencyConflict, key, existing.Type, existing.Status)
}
