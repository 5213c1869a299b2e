package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/subsync/subsync-limiter/internal/ctxkey"
	"github.com/subsync/subsync-limiter/internal/domain/admission"
	"github.com/subsync/subsync-limiter/internal/domain/ratelimit"
)

// loggerFromContext retrieves the request-scoped logger set by the HTTP
// middleware, or nil if there is none.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// ErrNoMatcher is returned when a rule has a match expression but no
// matcher was supplied to compile it.
var ErrNoMatcher = errors.New("rule has a match expression but no matcher is configured")

// ErrKeyLimitReached is returned when a rule already holds its maximum
// number of limiter keys and a request would create another one.
var ErrKeyLimitReached = errors.New("rule key limit reached")

// unroutedKey is the route key value for requests outside every
// configured route pattern.
const unroutedKey = "unrouted"

// compiledRule is a validated rule with its compiled condition.
type compiledRule struct {
	admission.Rule
	cond admission.Condition // nil matches every request
	keys *atomic.Int64       // lazily created limiter keys
}

// AdmissionService decides whether requests are admitted.
// It picks the first rule whose match expression holds, derives the
// limiter key from the rule's KeyBy attribute, and asks the limiter.
type AdmissionService struct {
	limiter   ratelimit.Limiter
	rules     []compiledRule
	logger    *slog.Logger
	stats     *StatsService
	maxKeys   int64
	tracer    trace.Tracer
	decisions metric.Int64Counter
}

// AdmissionOption configures an AdmissionService.
type AdmissionOption func(*AdmissionService)

// WithStats records decisions into stats.
func WithStats(stats *StatsService) AdmissionOption {
	return func(s *AdmissionService) {
		s.stats = stats
	}
}

// WithMaxKeysPerRule caps how many limiter keys a single rule may create.
// Requests that would exceed the cap fail with ErrKeyLimitReached. Zero or
// less disables the cap.
func WithMaxKeysPerRule(n int) AdmissionOption {
	return func(s *AdmissionService) {
		s.maxKeys = int64(n)
	}
}

// WithTracer wraps every Admit call in a span from tracer.
func WithTracer(tracer trace.Tracer) AdmissionOption {
	return func(s *AdmissionService) {
		s.tracer = tracer
	}
}

// WithMeter records an admission.decisions counter on meter.
func WithMeter(meter metric.Meter) AdmissionOption {
	return func(s *AdmissionService) {
		counter, err := meter.Int64Counter("admission.decisions",
			metric.WithDescription("Admission decisions by rule and result"),
		)
		if err != nil {
			s.logger.Warn("failed to create admission counter", "error", err)
			return
		}
		s.decisions = counter
	}
}

// NewAdmissionService validates and compiles rules.
// Every rule's rate and tolerance are checked up front, so a bad rule fails
// startup instead of the first request that hits it. Global rules have a
// single key, which is configured immediately.
func NewAdmissionService(
	limiter ratelimit.Limiter,
	matcher admission.Matcher,
	rules []admission.Rule,
	logger *slog.Logger,
	opts ...AdmissionOption,
) (*AdmissionService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	noopCounter, _ := metricnoop.NewMeterProvider().Meter("").Int64Counter("")
	s := &AdmissionService{
		limiter:   limiter,
		logger:    logger,
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
		decisions: noopCounter,
	}
	for _, opt := range opts {
		opt(s)
	}

	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("rules[%d]: name is required", i)
		}
		if strings.Contains(rule.Name, ":") {
			return nil, fmt.Errorf("rules[%d]: rule name %q must not contain ':'", i, rule.Name)
		}
		if _, dup := seen[rule.Name]; dup {
			return nil, fmt.Errorf("rules[%d]: duplicate rule name %q", i, rule.Name)
		}
		seen[rule.Name] = struct{}{}

		if !rule.KeyBy.Valid() {
			return nil, fmt.Errorf("rule %q: unknown key_by %q", rule.Name, rule.KeyBy)
		}
		if _, err := ratelimit.NewConfig(rule.PermitsPerSecond, rule.Tolerance); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}

		compiled := compiledRule{Rule: rule, keys: new(atomic.Int64)}
		if expr := strings.TrimSpace(rule.Match); expr != "" {
			if matcher == nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Name, ErrNoMatcher)
			}
			cond, err := matcher.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
			}
			compiled.cond = cond
		}

		if rule.KeyBy == ratelimit.KeyTypeGlobal {
			if err := limiter.Configure(keyFor(rule, admission.Request{}), rule.PermitsPerSecond, rule.Tolerance); err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
			}
		}

		s.rules = append(s.rules, compiled)
		logger.Debug("admission rule loaded",
			"rule", rule.Name,
			"key_by", rule.KeyBy,
			"permits_per_second", rule.PermitsPerSecond,
			"tolerance", rule.Tolerance,
		)
	}

	return s, nil
}

// Admit runs the admission test for req.
// A request no rule matches is admitted. Errors from the limiter are setup
// defects (unconfigured key, invalid arguments) and are returned to the
// caller rather than defaulted to allow or deny.
func (s *AdmissionService) Admit(ctx context.Context, req admission.Request) (admission.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "admission.admit",
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
		),
	)
	defer span.End()

	logger := s.logger
	if l := loggerFromContext(ctx); l != nil {
		logger = l
	}

	rule := s.match(ctx, req, logger)
	if rule == nil {
		s.record(ctx, "", "unmatched")
		return admission.Decision{Allowed: true}, nil
	}

	key := keyFor(rule.Rule, req)
	span.SetAttributes(attribute.String("admission.rule", rule.Name))

	if err := s.configure(rule, key); err != nil {
		if errors.Is(err, ErrKeyLimitReached) {
			return s.overflow(ctx, span, logger, rule.Name, key)
		}
		return s.fail(ctx, span, logger, rule.Name, key, err)
	}

	result, err := s.limiter.Check(key)
	if err != nil {
		return s.fail(ctx, span, logger, rule.Name, key, err)
	}

	decision := admission.Decision{
		Allowed:    result.Allowed,
		Rule:       rule.Name,
		Key:        key,
		RetryAfter: result.RetryAfter,
		ResetAfter: result.ResetAfter,
	}
	span.SetAttributes(attribute.Bool("admission.allowed", decision.Allowed))

	if decision.Allowed {
		s.record(ctx, rule.Name, "allowed")
		logger.Debug("request admitted",
			"rule", rule.Name,
			"key", key,
			"reset_after", result.ResetAfter,
		)
	} else {
		s.record(ctx, rule.Name, "rate_limited")
		logger.Warn("request rate limited",
			"rule", rule.Name,
			"key", key,
			"retry_after", result.RetryAfter,
		)
	}

	return decision, nil
}

// configure makes sure key is configured under rule.
// Re-issuing an unchanged config never resets the key's TAT. A key the
// limiter does not know yet counts against the rule's key cap first. Two
// requests racing to create the same key may both count it, which only
// makes the cap stricter.
func (s *AdmissionService) configure(rule *compiledRule, key string) error {
	if s.maxKeys > 0 {
		if _, ok := s.limiter.Config(key); !ok {
			if rule.keys.Add(1) > s.maxKeys {
				rule.keys.Add(-1)
				return ErrKeyLimitReached
			}
		}
	}
	return s.limiter.Configure(key, rule.PermitsPerSecond, rule.Tolerance)
}

// match returns the first rule whose condition holds.
// A condition that fails to evaluate is logged and treated as not matching.
func (s *AdmissionService) match(ctx context.Context, req admission.Request, logger *slog.Logger) *compiledRule {
	for i := range s.rules {
		rule := &s.rules[i]
		if rule.cond == nil {
			return rule
		}
		ok, err := rule.cond.Matches(ctx, req)
		if err != nil {
			logger.Warn("admission rule evaluation failed",
				"rule", rule.Name,
				"error", err,
			)
			continue
		}
		if ok {
			return rule
		}
	}
	return nil
}

func (s *AdmissionService) fail(ctx context.Context, span trace.Span, logger *slog.Logger, rule, key string, err error) (admission.Decision, error) {
	s.record(ctx, rule, "error")
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Error("admission check failed",
		"rule", rule,
		"key", key,
		"error", err,
	)
	return admission.Decision{Rule: rule, Key: key}, fmt.Errorf("admission rule %q: %w", rule, err)
}

// overflow reports a request refused because its rule is out of keys.
func (s *AdmissionService) overflow(ctx context.Context, span trace.Span, logger *slog.Logger, rule, key string) (admission.Decision, error) {
	s.record(ctx, rule, "key_limit")
	span.SetStatus(codes.Error, ErrKeyLimitReached.Error())
	logger.Error("admission rule out of limiter keys",
		"rule", rule,
		"key", key,
		"max_keys", s.maxKeys,
	)
	return admission.Decision{Rule: rule, Key: key}, fmt.Errorf("admission rule %q: %w", rule, ErrKeyLimitReached)
}

func (s *AdmissionService) record(ctx context.Context, rule, result string) {
	s.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", rule),
		attribute.String("result", result),
	))
	if s.stats == nil {
		return
	}
	switch result {
	case "allowed":
		s.stats.RecordAllow()
	case "rate_limited":
		s.stats.RecordRateLimited(rule)
	case "unmatched":
		s.stats.RecordUnmatched()
	case "error":
		s.stats.RecordError()
	case "key_limit":
		s.stats.RecordKeyLimited()
	}
}

// Rules returns the loaded rules in evaluation order.
func (s *AdmissionService) Rules() []admission.Rule {
	out := make([]admission.Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}

// Limiter returns the underlying limiter.
func (s *AdmissionService) Limiter() ratelimit.Limiter {
	return s.limiter
}

// keyFor derives the limiter key for req under rule. Keys are namespaced
// by rule name so two rules never share a TAT cell.
//
// Route keys use the resolved route pattern, never the raw path, so the
// key space is bounded by configuration rather than by clients.
//
// User keys prefer the identity, then a hash of the API key (the secret is
// never stored), and fall back to the client IP so anonymous callers
// cannot bypass a per-user rule.
func keyFor(rule admission.Rule, req admission.Request) string {
	var value string
	switch rule.KeyBy {
	case ratelimit.KeyTypeIP:
		value = orUnknown(req.IP)
	case ratelimit.KeyTypeUser:
		switch {
		case req.IdentityID != "":
			value = "id:" + req.IdentityID
		case req.APIKey != "":
			value = fmt.Sprintf("key:%016x", xxhash.Sum64String(req.APIKey))
		default:
			value = "anon:" + orUnknown(req.IP)
		}
	case ratelimit.KeyTypeRoute:
		value = req.Route
		if value == "" {
			value = unroutedKey
		}
	case ratelimit.KeyTypeGlobal:
		return ratelimit.FormatKey(rule.KeyBy, rule.Name)
	}
	return ratelimit.FormatKey(rule.KeyBy, rule.Name+":"+value)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
