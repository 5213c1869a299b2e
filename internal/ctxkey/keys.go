// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with request_id fields.
type LoggerKey struct{}

// ClientIPKey is the context key type for the resolved client IP.
type ClientIPKey struct{}

// APIKeyKey is the context key type for the bearer token of the request.
type APIKeyKey struct{}

// IdentityKey is the context key type for an identity asserted by a trusted
// upstream authenticator.
type IdentityKey struct{}

// RouteKey is the context key type for the route pattern a request resolved to.
type RouteKey struct{}
