package storage

import "errors"

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates an insert collided with an existing key.
var ErrAlreadyExists = errors.New("record already exists")

// ErrConflict indicates a compare-and-swap update lost against a concurrent
// writer or found the record in an unexpected state.
var ErrConflict = errors.New("record changed concurrently")
