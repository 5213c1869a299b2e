package http

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/subsync/subsync-limiter/internal/domain/admission"
	"github.com/subsync/subsync-limiter/internal/service"
)

// Admitter runs the admission test for a request.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Decision, error)
}

// KeyCounter reports how many limiter keys exist.
type KeyCounter interface {
	Size() int
}

// AdmissionMiddleware consults admitter before passing a request on.
// A rejected request gets 429 with Retry-After and X-RateLimit-Rule. A rule
// that has run out of limiter keys gets 503. Any other admission error is a
// setup defect and gets 500; it is never turned into an allow or a deny.
// metrics and keys may be nil.
func AdmissionMiddleware(admitter Admitter, metrics *Metrics, keys KeyCounter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			req := admission.Request{
				Method:      r.Method,
				Path:        r.URL.Path,
				Route:       RouteFromContext(ctx),
				IP:          ClientIPFromContext(ctx),
				APIKey:      APIKeyFromContext(ctx),
				IdentityID:  IdentityFromContext(ctx),
				RequestTime: time.Now(),
			}
			if req.IP == "" {
				req.IP = remoteHost(r)
			}

			decision, err := admitter.Admit(ctx, req)

			if metrics != nil {
				metrics.AdmissionDecisions.WithLabelValues(decision.Rule, decisionLabel(decision, err)).Inc()
				if keys != nil {
					metrics.RateLimitKeys.Set(float64(keys.Size()))
				}
			}

			if errors.Is(err, service.ErrKeyLimitReached) {
				w.Header().Set("X-RateLimit-Rule", decision.Rule)
				writeJSONError(w, http.StatusServiceUnavailable, "rate limit capacity exhausted")
				return
			}
			if err != nil {
				LoggerFromContext(ctx).Error("admission failed",
					"method", r.Method,
					"path", r.URL.Path,
					"error", err,
				)
				writeJSONError(w, http.StatusInternalServerError, "internal error")
				return
			}

			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(decision.RetryAfter), 10))
				w.Header().Set("X-RateLimit-Rule", decision.Rule)
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func decisionLabel(d admission.Decision, err error) string {
	switch {
	case errors.Is(err, service.ErrKeyLimitReached):
		return "key_limit"
	case err != nil:
		return "error"
	case d.Rule == "":
		return "unmatched"
	case d.Allowed:
		return "allowed"
	default:
		return "rate_limited"
	}
}

// retryAfterSeconds rounds d up to whole seconds, with a floor of 1.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
