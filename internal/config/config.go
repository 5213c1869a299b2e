// Package config provides configuration types for the subsync admission gate.
//
// The gate is configured from a single YAML file plus environment overrides.
// It holds no state of its own: rate limit rules are loaded at startup and
// limiter state lives in process memory only.
package config

import (
	"fmt"
	"time"

	"github.com/subsync/subsync-limiter/internal/domain/admission"
	"github.com/subsync/subsync-limiter/internal/domain/ratelimit"
)

// GateConfig is the top-level configuration for the admission gate.
type GateConfig struct {
	// Server configures the HTTP listener and the protected upstream.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// RateLimit holds the admission rules.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// DevMode enables development features (debug logging, a default rule).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// Upstream is the base URL admitted requests are proxied to.
	// When empty, admitted requests are answered with 204 No Content.
	Upstream string `yaml:"upstream" mapstructure:"upstream" validate:"omitempty,url"`

	// IdentityHeader names a header set by a trusted authenticating proxy in
	// front of the gate. Its value keys "user" rules ahead of the API key.
	// Leave empty unless clients cannot set the header themselves.
	IdentityHeader string `yaml:"identity_header" mapstructure:"identity_header"`

	// TrustedProxies lists the reverse proxies (IPs or CIDR prefixes) whose
	// X-Forwarded-For and X-Real-IP headers are believed. Empty means the
	// TCP peer is always the client IP.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies" validate:"omitempty,dive,cidr|ip"`

	// ShutdownTimeout bounds graceful shutdown (e.g., "10s").
	// Defaults to "10s" if not specified.
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Stdout exports metrics and traces to stdout. Default: false (no-op providers).
	Stdout bool `yaml:"stdout" mapstructure:"stdout"`

	// Interval is the metric export interval (e.g., "30s").
	// Defaults to "30s" if not specified.
	Interval string `yaml:"interval" mapstructure:"interval" validate:"omitempty,duration"`
}

// RateLimitConfig configures admission rules.
type RateLimitConfig struct {
	// Rules are evaluated in order; the first rule whose match expression
	// holds decides the request. Requests no rule matches are admitted.
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`

	// Routes are the route patterns "route" rules key on, in net/http
	// ServeMux syntax (e.g., "GET /api/orders/{id}"). Requests matching no
	// pattern share a single "unrouted" key per rule.
	Routes []string `yaml:"routes" mapstructure:"routes" validate:"omitempty,dive,required"`

	// MaxKeys caps the limiter keys a single rule may create. Requests that
	// would create more are refused with 503. Defaults to 100000.
	MaxKeys int `yaml:"max_keys" mapstructure:"max_keys" validate:"gte=0"`
}

// DefaultMaxKeys is the per-rule key cap applied when max_keys is unset.
const DefaultMaxKeys = 100000

// RuleConfig defines a single admission rule.
type RuleConfig struct {
	// Name is the unique identifier for this rule. It namespaces limiter keys
	// and is reported in the X-RateLimit-Rule header. It may not contain ':'.
	Name string `yaml:"name" mapstructure:"name" validate:"required,excludes=:"`

	// Match is an optional CEL expression over method, path, route, ip,
	// identity, has_api_key and request_time. Empty matches every request.
	Match string `yaml:"match" mapstructure:"match"`

	// KeyBy selects the attribute the limiter is keyed on.
	// Valid values: "ip", "user", "route", "global".
	KeyBy string `yaml:"key_by" mapstructure:"key_by" validate:"required,key_by"`

	// PermitsPerSecond is the sustained admission rate. Fractional values
	// are allowed (e.g., 0.5 for one request every two seconds).
	PermitsPerSecond float64 `yaml:"permits_per_second" mapstructure:"permits_per_second" validate:"gt=0"`

	// Tolerance is the burst slack (e.g., "1s"). Defaults to "0s".
	Tolerance string `yaml:"tolerance" mapstructure:"tolerance" validate:"omitempty,duration"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are satisfied.
func (c *GateConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	// Provide a generous per-IP rule if none configured
	if len(c.RateLimit.Rules) == 0 {
		c.RateLimit.Rules = []RuleConfig{
			{
				Name:             "dev-per-ip",
				KeyBy:            string(ratelimit.KeyTypeIP),
				PermitsPerSecond: 10,
				Tolerance:        "1s",
			},
		}
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *GateConfig) SetDefaults() {
	// Bind to localhost only unless told otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Telemetry.Interval == "" {
		c.Telemetry.Interval = "30s"
	}

	if c.RateLimit.MaxKeys == 0 {
		c.RateLimit.MaxKeys = DefaultMaxKeys
	}

	for i := range c.RateLimit.Rules {
		if c.RateLimit.Rules[i].Tolerance == "" {
			c.RateLimit.Rules[i].Tolerance = "0s"
		}
	}
}

// ShutdownTimeout returns the parsed shutdown timeout, or 10s if unset.
func (c *GateConfig) ShutdownTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Server.ShutdownTimeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

// TelemetryInterval returns the parsed metric export interval, or 30s if unset.
func (c *GateConfig) TelemetryInterval() time.Duration {
	if d, err := time.ParseDuration(c.Telemetry.Interval); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// ToRules converts the configured rules into admission rules.
// Call after Validate; a tolerance that fails to parse is still reported.
func (c *GateConfig) ToRules() ([]admission.Rule, error) {
	rules := make([]admission.Rule, 0, len(c.RateLimit.Rules))
	for i, rc := range c.RateLimit.Rules {
		var tolerance time.Duration
		if rc.Tolerance != "" {
			d, err := time.ParseDuration(rc.Tolerance)
			if err != nil {
				return nil, fmt.Errorf("rate_limit.rules[%d].tolerance: %w", i, err)
			}
			tolerance = d
		}
		rules = append(rules, admission.Rule{
			Name:             rc.Name,
			Match:            rc.Match,
			KeyBy:            ratelimit.KeyType(rc.KeyBy),
			PermitsPerSecond: rc.PermitsPerSecond,
			Tolerance:        tolerance,
		})
	}
	return rules, nil
}
