// Package common defines shared constants and sentinel errors used across
// filekeeper components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Hashing registry errors.
	ErrUnknownHashVersion = errors.New("unknown hash version")
)
