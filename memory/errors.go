package memory

import "errors"

var (
	// ErrDimensionMismatch is returned when two embeddings of different
	// lengths are compared. It is a caller error and the call is rejected.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrUnavailable signals that the archive could not be reached or timed
	// out. Callers degrade (lower confidence, keep updates queued) instead of
	// failing.
	ErrUnavailable = errors.New("archive unavailable")

	// ErrRejected is returned by archive clients when the archive refused an
	// update permanently. Retrying the same update will not help.
	ErrRejected = errors.New("archive rejected request")

	// ErrInvariantViolation is returned when a write carries a malformed
	// record. Records are never silently repaired.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrRefreshInProgress is returned when a refresh is requested while
	// another run is still executing.
	ErrRefreshInProgress = errors.New("refresh already in progress")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
)
