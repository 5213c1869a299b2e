package ratelimit

import "errors"

// Fixed messages for configuration rejects. Callers match on these strings.
const (
	msgPermitsNotPositive = "Permits per second must be positive."
	msgToleranceNegative  = "Tolerance must be non-negative."
)

var (
	// ErrInvalidArgument is matched by every configuration reject.
	ErrInvalidArgument = errors.New("invalid rate limit argument")

	// ErrNotConfigured is matched when a key is used before it was configured.
	ErrNotConfigured = errors.New("rate limiter not configured")
)

// InvalidArgumentError is returned by Configure for a non-positive rate or a
// negative tolerance. No registry state is touched when it is returned.
type InvalidArgumentError struct {
	Message string
}

// Error implements the error interface.
func (e *InvalidArgumentError) Error() string {
	return e.Message
}

// Is lets errors.Is match ErrInvalidArgument.
func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// NotConfiguredError is returned by Allow and Check for a key that was never
// configured. It is a setup defect, not a transient condition.
type NotConfiguredError struct {
	Key string
}

// Error implements the error interface.
func (e *NotConfiguredError) Error() string {
	return "Rate limiter not configured for key: " + e.Key
}

// Is lets errors.Is match ErrNotConfigured.
func (e *NotConfiguredError) Is(target error) bool {
	return target == ErrNotConfigured
}
