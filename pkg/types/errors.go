package types

import "errors"

// Sentinel errors for common error conditions.
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrProviderNotAvailable is returned when a provider is not available.
	ErrProviderNotAvailable = errors.New("provider not available")

	// ErrNotRepository is returned when the target is not a git repository.
	ErrNotRepository = errors.New("not a git repository")

	// ErrEmbeddingFailed is returned when embedding generation fails permanently.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrStoreFailed is returned when a store operation fails.
	ErrStoreFailed = errors.New("store operation failed")
)
