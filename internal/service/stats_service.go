// Package service contains application services.
package service

import (
	"sync"
	"sync/atomic"
)

// StatsService tracks admission statistics using lock-free atomic counters.
// All counter operations are safe for concurrent access from multiple goroutines.
type StatsService struct {
	allowed     atomic.Int64
	rateLimited atomic.Int64
	unmatched   atomic.Int64
	errors      atomic.Int64
	keyLimited  atomic.Int64

	// Per-rule rejection counters (mutex-protected map).
	mu         sync.Mutex
	ruleCounts map[string]int64
}

// NewStatsService creates a new StatsService with all counters initialized to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		ruleCounts: make(map[string]int64),
	}
}

// RecordAllow increments the allowed counter.
func (s *StatsService) RecordAllow() {
	s.allowed.Add(1)
}

// RecordRateLimited increments the rate-limited counter and the per-rule
// counter for rule.
func (s *StatsService) RecordRateLimited(rule string) {
	s.rateLimited.Add(1)
	if rule == "" {
		return
	}
	s.mu.Lock()
	s.ruleCounts[rule]++
	s.mu.Unlock()
}

// RecordUnmatched increments the counter for requests no rule applied to.
func (s *StatsService) RecordUnmatched() {
	s.unmatched.Add(1)
}

// RecordError increments the error counter.
func (s *StatsService) RecordError() {
	s.errors.Add(1)
}

// RecordKeyLimited increments the counter for requests refused because
// their rule ran out of limiter keys.
func (s *StatsService) RecordKeyLimited() {
	s.keyLimited.Add(1)
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Allowed           int64            `json:"allowed"`
	RateLimited       int64            `json:"rate_limited"`
	Unmatched         int64            `json:"unmatched"`
	Errors            int64            `json:"errors"`
	KeyLimited        int64            `json:"key_limited"`
	RateLimitedByRule map[string]int64 `json:"rate_limited_by_rule"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	rc := make(map[string]int64, len(s.ruleCounts))
	for k, v := range s.ruleCounts {
		rc[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Allowed:           s.allowed.Load(),
		RateLimited:       s.rateLimited.Load(),
		Unmatched:         s.unmatched.Load(),
		Errors:            s.errors.Load(),
		KeyLimited:        s.keyLimited.Load(),
		RateLimitedByRule: rc,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.rateLimited.Store(0)
	s.unmatched.Store(0)
	s.errors.Store(0)
	s.keyLimited.Store(0)

	s.mu.Lock()
	s.ruleCounts = make(map[string]int64)
	s.mu.Unlock()
}
