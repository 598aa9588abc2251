package storage

import "errors"

// Common client storage errors
var (
	// ErrAuthNotFound indicates that no session data exists
	ErrAuthNotFound = errors.New("authentication data not found")

	// ErrEntityNotFound indicates that entity was not found
	ErrEntityNotFound = errors.New("entity not found")

	// ErrChangeNotFound indicates that change record was not found
	ErrChangeNotFound = errors.New("change record not found")

	// ErrConflictNotFound indicates that conflict record was not found
	ErrConflictNotFound = errors.New("conflict record not found")

	// ErrSequenceTaken indicates that (device, seq) is already used by another change
	ErrSequenceTaken = errors.New("sequence number already taken")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
