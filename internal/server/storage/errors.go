package storage

import "errors"

// Common storage errors
var (
	// ErrCompanyNotFound indicates that company was not found in storage
	ErrCompanyNotFound = errors.New("company not found")

	// ErrCompanyExists indicates that company with this name is already registered
	ErrCompanyExists = errors.New("company already exists")

	// ErrDeviceNotFound indicates that device is not known to the company
	ErrDeviceNotFound = errors.New("device not found")

	// ErrTokenNotFound indicates that refresh token was not found
	ErrTokenNotFound = errors.New("refresh token not found")

	// ErrSequenceConflict indicates that a device reused a sequence number
	// for a different change. The whole batch is rejected.
	ErrSequenceConflict = errors.New("sequence number reused by a different change")
)
