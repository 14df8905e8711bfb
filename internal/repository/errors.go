package repository

import "errors"

// Common repository errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("record already exists")
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict is returned when a compare-and-swap lost to a concurrent writer.
	ErrConflict = errors.New("record changed concurrently")
)
