package ratelimit

import "time"

// Limiter is the port for per-key admission control.
//
// Implementations use GCRA (Generic Cell Rate Algorithm): every key carries a
// theoretical arrival time (TAT) that advances by one emission interval per
// admitted request. A request conforms while the TAT is no further than the
// configured tolerance ahead of now.
//
// All methods are safe for concurrent use and never block.
type Limiter interface {
	// Configure installs or updates the config for key.
	// Re-issuing an identical config is a no-op; a different config replaces
	// the stored one but keeps the key's TAT, so reconfiguring never grants a
	// fresh burst. Invalid arguments return an *InvalidArgumentError and
	// leave the registry untouched.
	Configure(key string, permitsPerSecond float64, tolerance time.Duration) error

	// Allow runs the admission test for key.
	// Returns a *NotConfiguredError if key was never configured.
	Allow(key string) (bool, error)

	// Check runs the same admission test as Allow and reports timing details.
	Check(key string) (Result, error)

	// Config returns the stored config for key; ok is false when the key was
	// never configured.
	Config(key string) (cfg Config, ok bool)
}

// Clock returns monotonic nanoseconds. Only differences between readings are
// meaningful.
type Clock interface {
	Nanos() int64
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() int64

// Nanos implements Clock.
func (f ClockFunc) Nanos() int64 {
	return f()
}

// processStart anchors the monotonic clock. time.Since on a time.Time that
// carries a monotonic reading is immune to wall-clock steps.
var processStart = time.Now()

// MonotonicClock reads the process monotonic clock.
type MonotonicClock struct{}

// Nanos implements Clock.
func (MonotonicClock) Nanos() int64 {
	return int64(time.Since(processStart))
}
