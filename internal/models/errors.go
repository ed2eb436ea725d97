package models

import "errors"

// Error kinds shared by every stage of the pipeline. Stages wrap these with
// fmt.Errorf("...: %w", ...) so callers can classify with errors.Is.
var (
	// ErrValidation marks malformed input or configuration. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrExternalService marks a failed call to the generation, embedding or
	// fetch collaborators. Retried with backoff.
	ErrExternalService = errors.New("external service error")

	// ErrPersistence marks a failed store write or read.
	ErrPersistence = errors.New("persistence error")

	// ErrNotFound is returned when a source does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for a source status change the
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConfigMismatch is returned when the embedding model, vector
	// dimension or search language differ from what the store was built with.
	ErrConfigMismatch = errors.New("configuration mismatch")
)
