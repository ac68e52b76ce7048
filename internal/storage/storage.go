// Package storage holds the sentinel errors shared by the execution log
// and lead store implementations.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record or lead does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an append reuses an existing id.
	ErrDuplicate = errors.New("duplicate id")
)
