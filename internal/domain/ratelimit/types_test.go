package ratelimit

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestNewConfig_Valid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		rate         float64
		tolerance    time.Duration
		wantInterval int64
	}{
		{"one per second", 1, 0, 1_000_000_000},
		{"two per second", 2, time.Second, 500_000_000},
		{"fractional rate", 7.5, 250 * time.Millisecond, 133_333_333},
		{"three per second floors", 3, 0, 333_333_333},
		{"sub-one rate", 0.5, 0, 2_000_000_000},
		{"above nanosecond resolution", 2e9, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := NewConfig(tt.rate, tt.tolerance)
			if err != nil {
				t.Fatalf("NewConfig(%v, %v) error: %v", tt.rate, tt.tolerance, err)
			}
			if cfg.EmissionIntervalNanos != tt.wantInterval {
				t.Errorf("EmissionIntervalNanos = %d, want %d", cfg.EmissionIntervalNanos, tt.wantInterval)
			}
			if cfg.ToleranceNanos != tt.tolerance.Nanoseconds() {
				t.Errorf("ToleranceNanos = %d, want %d", cfg.ToleranceNanos, tt.tolerance.Nanoseconds())
			}
			if cfg.PermitsPerSecond != tt.rate {
				t.Errorf("PermitsPerSecond = %v, want %v", cfg.PermitsPerSecond, tt.rate)
			}
		})
	}
}

func TestNewConfig_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		rate      float64
		tolerance time.Duration
		wantMsg   string
	}{
		{"zero rate", 0, time.Second, "Permits per second must be positive."},
		{"negative rate", -5, time.Second, "Permits per second must be positive."},
		{"NaN rate", math.NaN(), 0, "Permits per second must be positive."},
		{"negative tolerance", 10, -time.Second, "Tolerance must be non-negative."},
		{"rate checked first", 0, -time.Second, "Permits per second must be positive."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewConfig(tt.rate, tt.tolerance)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("error = %q, want %q", err.Error(), tt.wantMsg)
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("errors.Is(err, ErrInvalidArgument) = false for %v", err)
			}
			if errors.Is(err, ErrNotConfigured) {
				t.Error("invalid argument must not match ErrNotConfigured")
			}
		})
	}
}

func TestNewConfig_HugeIntervalSaturates(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(1e-12, 0)
	if err != nil {
		t.Fatalf("NewConfig error: %v", err)
	}
	if cfg.EmissionIntervalNanos != math.MaxInt64 {
		t.Errorf("EmissionIntervalNanos = %d, want MaxInt64", cfg.EmissionIntervalNanos)
	}
}

func TestConfig_Equal(t *testing.T) {
	t.Parallel()

	a, _ := NewConfig(5, time.Second)
	b, _ := NewConfig(5, time.Second)
	c, _ := NewConfig(10, time.Second)

	if !a.Equal(b) || a != b {
		t.Error("configs built from identical inputs should be equal")
	}
	if a.Equal(c) {
		t.Error("configs with different rates should not be equal")
	}
}

func TestConfig_Burst(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rate      float64
		tolerance time.Duration
		want      int
	}{
		{1, 0, 1},
		{2, time.Second, 3},
		{10, time.Second, 11},
		{50, time.Second, 51},
	}

	for _, tt := range tests {
		cfg, err := NewConfig(tt.rate, tt.tolerance)
		if err != nil {
			t.Fatalf("NewConfig error: %v", err)
		}
		if got := cfg.Burst(); got != tt.want {
			t.Errorf("Burst(%v, %v) = %d, want %d", tt.rate, tt.tolerance, got, tt.want)
		}
	}
}

func TestNotConfiguredError(t *testing.T) {
	t.Parallel()

	err := error(&NotConfiguredError{Key: "unconfiguredKey"})
	if err.Error() != "Rate limiter not configured for key: unconfiguredKey" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrNotConfigured) {
		t.Error("errors.Is(err, ErrNotConfigured) = false")
	}

	var nce *NotConfiguredError
	if !errors.As(err, &nce) || nce.Key != "unconfiguredKey" {
		t.Errorf("errors.As failed or wrong key: %+v", nce)
	}
}

func TestFormatKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		keyType KeyType
		value   string
		want    string
	}{
		{KeyTypeIP, "192.168.1.1", "ratelimit:ip:192.168.1.1"},
		{KeyTypeUser, "user-123", "ratelimit:user:user-123"},
		{KeyTypeRoute, "GET /api", "ratelimit:route:GET /api"},
		{KeyTypeGlobal, "payments", "ratelimit:global:payments"},
	}

	for _, tt := range tests {
		if got := FormatKey(tt.keyType, tt.value); got != tt.want {
			t.Errorf("FormatKey(%q, %q) = %q, want %q", tt.keyType, tt.value, got, tt.want)
		}
	}
}

func TestKeyType_Valid(t *testing.T) {
	t.Parallel()

	for _, kt := range []KeyType{KeyTypeIP, KeyTypeUser, KeyTypeRoute, KeyTypeGlobal} {
		if !kt.Valid() {
			t.Errorf("%q should be valid", kt)
		}
	}
	if KeyType("tenant").Valid() {
		t.Error("unknown key type should be invalid")
	}
}

func TestMonotonicClock_Advances(t *testing.T) {
	t.Parallel()

	var c MonotonicClock
	a := c.Nanos()
	time.Sleep(time.Millisecond)
	b := c.Nanos()
	if b <= a {
		t.Errorf("clock did not advance: %d then %d", a, b)
	}
}
