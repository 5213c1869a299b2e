// Package ratelimit provides rate limiting domain types.
package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// nanosPerSecond is the number of nanoseconds in one second, as a float for
// the emission interval division.
const nanosPerSecond = 1e9

// Config is the immutable rate configuration stored for a single key.
// Two configs built from the same inputs compare equal with ==.
type Config struct {
	// PermitsPerSecond is the sustained admission rate.
	PermitsPerSecond float64

	// EmissionIntervalNanos is floor(1e9 / PermitsPerSecond): the spacing
	// between two conforming admissions.
	EmissionIntervalNanos int64

	// ToleranceNanos is the burst slack granted beyond strict spacing.
	ToleranceNanos int64
}

// NewConfig validates the inputs and derives the emission interval.
// It returns an *InvalidArgumentError wrapping ErrInvalidArgument when
// permitsPerSecond is not positive or tolerance is negative.
func NewConfig(permitsPerSecond float64, tolerance time.Duration) (Config, error) {
	// NaN fails every comparison, so test for the positive case.
	if !(permitsPerSecond > 0) {
		return Config{}, &InvalidArgumentError{Message: msgPermitsNotPositive}
	}
	if tolerance < 0 {
		return Config{}, &InvalidArgumentError{Message: msgToleranceNegative}
	}

	// Rates far below one per 292 years saturate instead of overflowing.
	var intervalNanos int64 = math.MaxInt64
	if interval := math.Floor(nanosPerSecond / permitsPerSecond); interval < math.MaxInt64 {
		intervalNanos = int64(interval)
	}

	return Config{
		PermitsPerSecond:      permitsPerSecond,
		EmissionIntervalNanos: intervalNanos,
		ToleranceNanos:        tolerance.Nanoseconds(),
	}, nil
}

// Equal reports whether c and other carry the same parameters.
func (c Config) Equal(other Config) bool {
	return c == other
}

// EmissionInterval returns the emission interval as a duration.
func (c Config) EmissionInterval() time.Duration {
	return time.Duration(c.EmissionIntervalNanos)
}

// Tolerance returns the burst tolerance as a duration.
func (c Config) Tolerance() time.Duration {
	return time.Duration(c.ToleranceNanos)
}

// Burst returns how many back-to-back requests a caught-up key admits.
// A sub-nanosecond emission interval (rates above 1e9/s) admits without bound,
// which is reported as math.MaxInt.
func (c Config) Burst() int {
	if c.EmissionIntervalNanos <= 0 {
		return math.MaxInt
	}
	return int(c.ToleranceNanos/c.EmissionIntervalNanos) + 1
}

// String renders the config for logs.
func (c Config) String() string {
	return fmt.Sprintf("%g/s (interval %v, tolerance %v)",
		c.PermitsPerSecond, c.EmissionInterval(), c.Tolerance())
}

// Result contains the outcome of a single admission test.
type Result struct {
	// Allowed indicates whether the request was admitted.
	Allowed bool

	// RetryAfter is the duration until the request would conform.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the key's schedule is caught up
	// with the present, i.e. the full burst budget is available again.
	ResetAfter time.Duration
}

// KeyType identifies the type of rate limit key.
type KeyType string

const (
	// KeyTypeIP is for IP-based rate limiting.
	KeyTypeIP KeyType = "ip"

	// KeyTypeUser is for user/API key-based rate limiting.
	KeyTypeUser KeyType = "user"

	// KeyTypeRoute is for per-route (method + path) rate limiting.
	KeyTypeRoute KeyType = "route"

	// KeyTypeGlobal shares one budget across every caller.
	KeyTypeGlobal KeyType = "global"
)

// Valid reports whether t is one of the known key types.
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeIP, KeyTypeUser, KeyTypeRoute, KeyTypeGlobal:
		return true
	}
	return false
}

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
// Examples:
//   - FormatKey(KeyTypeIP, "192.168.1.1") -> "ratelimit:ip:192.168.1.1"
//   - FormatKey(KeyTypeUser, "user-123") -> "ratelimit:user:user-123"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}
