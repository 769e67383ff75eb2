package common

import "errors"

// Sentinel errors shared across storage and service layers. Callers match
// with errors.Is after wrapping.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique key collision on insert.
	ErrAlreadyExists = errors.New("already exists")
)
