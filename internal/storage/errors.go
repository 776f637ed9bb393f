package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrIdempotencyMismatch is returned when an idempotency key is reused
// with a different request payload hash.
var ErrIdempotencyMismatch = errors.New("storage: idempotency key reused with different payload")
