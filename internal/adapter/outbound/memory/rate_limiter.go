// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/subsync/subsync-limiter/internal/domain/ratelimit"
)

// entry is the per-key registry cell. Both fields are only ever touched
// atomically: cfg is swapped, never mutated in place, and tat only moves
// through CompareAndSwap.
type entry struct {
	cfg atomic.Pointer[ratelimit.Config]
	tat atomic.Int64 // theoretical arrival time, monotonic nanoseconds
}

// MemoryRateLimiter implements ratelimit.Limiter using GCRA in memory.
// Lock-free: the registry is a sync.Map and admission is a CAS retry loop
// on the key's TAT cell, so a single hot key never serializes callers
// behind a mutex. Keys are never evicted.
type MemoryRateLimiter struct {
	entries sync.Map // string -> *entry
	size    atomic.Int64
	clock   ratelimit.Clock
	logger  *slog.Logger
}

// RateLimiterOption configures a MemoryRateLimiter.
type RateLimiterOption func(*MemoryRateLimiter)

// WithClock replaces the monotonic clock (tests use a manual clock).
func WithClock(clock ratelimit.Clock) RateLimiterOption {
	return func(r *MemoryRateLimiter) {
		r.clock = clock
	}
}

// WithRateLimiterLogger sets the logger for registry changes.
func WithRateLimiterLogger(logger *slog.Logger) RateLimiterOption {
	return func(r *MemoryRateLimiter) {
		r.logger = logger
	}
}

// NewRateLimiter creates an empty in-memory GCRA limiter.
func NewRateLimiter(opts ...RateLimiterOption) *MemoryRateLimiter {
	r := &MemoryRateLimiter{
		clock:  ratelimit.MonotonicClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure installs or updates the config for key.
// Validation happens before any registry access, so a rejected call leaves
// no trace. A new key gets a TAT of "now", which admits its first request.
func (r *MemoryRateLimiter) Configure(key string, permitsPerSecond float64, tolerance time.Duration) error {
	cfg, err := ratelimit.NewConfig(permitsPerSecond, tolerance)
	if err != nil {
		return err
	}

	if v, ok := r.entries.Load(key); ok {
		r.update(key, v.(*entry), cfg)
		return nil
	}

	fresh := &entry{}
	fresh.cfg.Store(&cfg)
	fresh.tat.Store(r.clock.Nanos())

	v, loaded := r.entries.LoadOrStore(key, fresh)
	if !loaded {
		r.size.Add(1)
		r.logger.Debug("rate limit key configured", "key", key, "config", cfg.String())
		return nil
	}

	// Lost the insertion race: the winner's cell is authoritative.
	r.update(key, v.(*entry), cfg)
	return nil
}

// update swaps in cfg unless an equal config is already stored.
// The TAT cell is left alone either way.
func (r *MemoryRateLimiter) update(key string, e *entry, cfg ratelimit.Config) {
	for {
		cur := e.cfg.Load()
		if *cur == cfg {
			return
		}
		next := cfg
		if e.cfg.CompareAndSwap(cur, &next) {
			r.logger.Info("rate limit key reconfigured",
				"key", key,
				"old", cur.String(),
				"new", next.String(),
			)
			return
		}
	}
}

// Allow reports whether a request for key is admitted now.
func (r *MemoryRateLimiter) Allow(key string) (bool, error) {
	res, err := r.Check(key)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Check runs the GCRA admission test for key:
//
//	tat       = max(TAT, now)
//	allowedAt = tat - tolerance
//	reject if now < allowedAt, else CAS TAT -> tat + interval
//
// A failed CAS means another caller consumed capacity first; the whole test
// is re-run against fresh readings.
func (r *MemoryRateLimiter) Check(key string) (ratelimit.Result, error) {
	v, ok := r.entries.Load(key)
	if !ok {
		return ratelimit.Result{}, &ratelimit.NotConfiguredError{Key: key}
	}
	e := v.(*entry)

	for {
		cfg := e.cfg.Load()
		tatOld := e.tat.Load()
		now := r.clock.Nanos()

		tat := max(tatOld, now)
		allowedAt := subSaturating(tat, cfg.ToleranceNanos)

		if now < allowedAt {
			return ratelimit.Result{
				Allowed:    false,
				RetryAfter: time.Duration(allowedAt - now),
				ResetAfter: time.Duration(tat - now),
			}, nil
		}

		tatNew := addSaturating(tat, cfg.EmissionIntervalNanos)
		if e.tat.CompareAndSwap(tatOld, tatNew) {
			return ratelimit.Result{
				Allowed:    true,
				ResetAfter: time.Duration(tatNew - now),
			}, nil
		}
	}
}

// Config returns the stored config for key.
func (r *MemoryRateLimiter) Config(key string) (ratelimit.Config, bool) {
	v, ok := r.entries.Load(key)
	if !ok {
		return ratelimit.Config{}, false
	}
	return *v.(*entry).cfg.Load(), true
}

// Size returns the current number of configured keys.
func (r *MemoryRateLimiter) Size() int {
	return int(r.size.Load())
}

func addSaturating(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func subSaturating(a, b int64) int64 {
	if b > 0 && a < math.MinInt64+b {
		return math.MinInt64
	}
	return a - b
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*MemoryRateLimiter)(nil)
