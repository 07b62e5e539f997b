package quarry

import "errors"

var (
	// Document store errors.
	ErrNotFound    = errors.New("quarry: document not found")
	ErrConflict    = errors.New("quarry: document already exists or etag mismatch")
	ErrUnknownKind = errors.New("quarry: unknown document kind")

	// Job errors.
	ErrJobNotFound = errors.New("quarry: job not found")
	ErrNoJob       = errors.New("quarry: no job available")

	// Lock errors.
	ErrLockUnavailable = errors.New("quarry: lock unavailable")

	// Server errors.
	ErrServerNotFound = errors.New("quarry: server not found")

	// Batch errors.
	ErrBatchCommitted = errors.New("quarry: batch already committed")
)
