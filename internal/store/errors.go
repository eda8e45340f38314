package store

import "errors"

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("store: resource not found")

	// ErrInvalidInput indicates the caller supplied invalid parameters.
	ErrInvalidInput = errors.New("store: invalid input")

	// ErrConstraintViolation indicates a uniqueness constraint rejected the
	// write. This is absorbed silently by callers
	// as an idempotent no-op — it is never surfaced to a user.
	ErrConstraintViolation = errors.New("store: constraint violation")

	// ErrMissingEmbedding indicates an insert was attempted without an
	// embedding where one is required ("a missing embedding is an
	// insert failure").
	ErrMissingEmbedding = errors.New("store: missing embedding")
)
