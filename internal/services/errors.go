package services

import (
	"errors"

	"github.com/lib/pq"
)

// Error taxonomy for the settlement engine. Every error raised inside a
// database transaction causes a full rollback; nothing is partially applied.
var (
	// ErrUnknownClick means the event's click identifier resolved to no
	// tracked click and carried no test-traffic marker.
	ErrUnknownClick = errors.New("unknown click identifier")

	// ErrDuplicateEvent marks an already-ingested revenue event. It is
	// swallowed at the HTTP boundary (success no-op) so external networks
	// do not retry-storm.
	ErrDuplicateEvent = errors.New("duplicate revenue event")

	// ErrInvalidSettlementTarget means a conversion in a settlement batch is
	// not pending or not owned by the settled user. The whole batch aborts.
	ErrInvalidSettlementTarget = errors.New("invalid settlement target")

	// ErrAlreadyReverted means the settlement record is not active.
	ErrAlreadyReverted = errors.New("settlement already reverted")

	// ErrNotFound is returned for missing records.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyTimeout means a row lock could not be acquired within
	// the configured bound. The caller may retry the identical request; no
	// partial effect occurred.
	ErrConcurrencyTimeout = errors.New("lock wait timeout, retry")

	// ErrInvariantViolation means a balance derived from the ledger
	// disagrees with a materialized wallet value. Fatal for the offending
	// transaction; never silently repaired.
	ErrInvariantViolation = errors.New("ledger/wallet invariant violation")
)

// lock_not_available is raised when SET LOCAL lock_timeout expires,
// deadlock_detected when Postgres aborts one of two crossing transactions.
// Both roll back cleanly, so both are retryable.
const (
	pqLockNotAvailable = "55P03"
	pqDeadlockDetected = "40P01"
)

// mapLockError translates a Postgres lock timeout or deadlock abort into the
// retryable taxonomy error and leaves everything else untouched.
func mapLockError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable, pqDeadlockDetected:
			return ErrConcurrencyTimeout
		}
	}
	return err
}
