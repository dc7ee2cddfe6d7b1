package discovery

import "errors"

var (
	// ErrNotFound is returned when a job or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a job status change is not allowed.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrConflict is returned when a unique source identity already exists.
	ErrConflict = errors.New("source identity already exists")
	// ErrStoreUnavailable is returned when the backing database cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)
