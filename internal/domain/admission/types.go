// Package admission holds the request-facing admission control types: which
// rule applies to a request, which limiter key it maps to, and the outcome.
package admission

import (
	"context"
	"time"

	"github.com/subsync/subsync-limiter/internal/domain/ratelimit"
)

// Request is the subset of an inbound request that admission rules see.
type Request struct {
	// Method is the HTTP method (e.g. "GET").
	Method string
	// Path is the URL path without query string.
	Path string
	// Route is the configured route pattern Path resolved to, empty when
	// none matched. Unlike Path it comes from a fixed set.
	Route string
	// IP is the client address as resolved by the transport.
	IP string
	// APIKey is the bearer credential, if any. Never used verbatim as a key.
	APIKey string
	// IdentityID is the authenticated caller, if the embedding layer knows it.
	IdentityID string
	// RequestTime is when the request was received.
	RequestTime time.Time
}

// Rule binds a match condition to a rate and a keying strategy.
type Rule struct {
	// Name identifies the rule and namespaces its keys.
	Name string
	// Match is a CEL expression over the request; empty matches every request.
	Match string
	// KeyBy selects which request attribute partitions the budget.
	KeyBy ratelimit.KeyType
	// PermitsPerSecond is the sustained rate per key.
	PermitsPerSecond float64
	// Tolerance is the burst slack per key.
	Tolerance time.Duration
}

// Decision is the admission outcome for one request.
type Decision struct {
	// Allowed is false only when a rule matched and its key is over budget.
	Allowed bool
	// Rule is the name of the matching rule, empty when nothing matched.
	Rule string
	// Key is the limiter key consulted, empty when nothing matched.
	Key string
	// RetryAfter is how long until the request would conform.
	RetryAfter time.Duration
	// ResetAfter is how long until the key's full burst is available again.
	ResetAfter time.Duration
}

// Condition is a compiled rule match expression.
type Condition interface {
	Matches(ctx context.Context, req Request) (bool, error)
}

// Matcher compiles rule match expressions.
type Matcher interface {
	Compile(expr string) (Condition, error)
}
