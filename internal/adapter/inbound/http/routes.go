package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/subsync/subsync-limiter/internal/ctxkey"
)

// RouteTable resolves requests to one of a fixed set of route patterns.
// Patterns use net/http ServeMux syntax, e.g. "GET /api/groups/{id}".
type RouteTable struct {
	mux *http.ServeMux
}

// NewRouteTable compiles patterns. Invalid or conflicting patterns are
// reported as errors.
func NewRouteTable(patterns []string) (*RouteTable, error) {
	mux := http.NewServeMux()
	for i, pattern := range patterns {
		if err := registerRoute(mux, pattern); err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
	}
	return &RouteTable{mux: mux}, nil
}

// registerRoute adds pattern to mux, turning the ServeMux panic on a bad
// pattern into an error.
func registerRoute(mux *http.ServeMux, pattern string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid route pattern %q: %v", pattern, r)
		}
	}()
	mux.Handle(pattern, http.NotFoundHandler())
	return nil
}

// Resolve returns the pattern r matches, or "" if none does.
func (t *RouteTable) Resolve(r *http.Request) string {
	if t == nil {
		return ""
	}
	_, pattern := t.mux.Handler(r)
	return pattern
}

// RouteMiddleware stores the route pattern of each request for "route"
// rules. A nil table resolves nothing.
func RouteMiddleware(table *RouteTable) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if table == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if route := table.Resolve(r); route != "" {
				r = r.WithContext(context.WithValue(r.Context(), ctxkey.RouteKey{}, route))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RouteFromContext returns the route stored by RouteMiddleware.
func RouteFromContext(ctx context.Context) string {
	route, _ := ctx.Value(ctxkey.RouteKey{}).(string)
	return route
}
