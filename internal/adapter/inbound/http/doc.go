// Package http provides the inbound HTTP adapter of the admission gate.
//
// The gate sits in front of an upstream service. Every request outside the
// operational endpoints is run through the admission service; requests
// that conform to their rule are proxied to the upstream, the rest are
// answered with 429 Too Many Requests.
//
// # Usage
//
//	srv := http.NewServer(admissionService,
//	    http.WithAddr(":8080"),
//	    http.WithUpstream(upstreamURL),
//	    http.WithLogger(logger),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
//	GET /health                  - component health (200 or 503)
//	GET /metrics                 - Prometheus metrics
//	GET /admin/api/rules         - loaded admission rules (loopback clients only)
//	GET /admin/api/limits/{key}  - limiter config for a key, 404 if absent
//	GET /admin/api/stats         - decision counters
//	*   /                        - admission test, then proxy, 204, 429 or 503
//
// # Request Headers
//
//	Authorization: Bearer <api-key>  - keys "user" rules (hashed, never stored)
//	X-Forwarded-For / X-Real-IP      - client IP, only from a trusted proxy
//	X-Request-ID                     - correlation ID, generated if absent
//
// # Response Headers on rejection
//
//	Retry-After: <seconds>       - whole seconds until the request would conform
//	X-RateLimit-Rule: <name>     - the rule that rejected the request
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - Records duration and status
//  2. RequestIDMiddleware - Extracts or generates a request ID and enriches the logger
//  3. RealIPMiddleware - Resolves the client IP, trusting forwarding headers only from configured proxies
//  4. RouteMiddleware - Resolves the configured route pattern
//  5. APIKeyMiddleware - Extracts the bearer token
//  6. IdentityMiddleware - Reads a trusted identity header, if configured
//  7. AdmissionMiddleware - Runs the admission test
//  8. Upstream - Reverse proxy, or 204 No Content when no upstream is set
package http
