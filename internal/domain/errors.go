package domain

import "errors"

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// Relationship errors
	ErrRelationshipDenied = errors.New("relationship is blocked")
	ErrSelfAction         = errors.New("action targets the acting user")
	ErrAlreadyExists      = errors.New("relationship already exists")
	ErrNotFound           = errors.New("relationship not found")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")

	// Operational errors
	ErrTransportUnavailable = errors.New("session transport unavailable")
	ErrStoreUnavailable     = errors.New("relationship store unavailable")
	ErrSlowConsumer         = errors.New("client not consuming messages fast enough")
	ErrRateLimited          = errors.New("rate limit exceeded")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// IsDenied reports whether err is an authorization refusal that must be
// returned to the caller and never retried.
func IsDenied(err error) bool {
	return errors.Is(err, ErrRelationshipDenied) ||
		errors.Is(err, ErrSelfAction) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrRateLimited)
}

// IsNotFound returns true if the error represents a missing relationship.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
