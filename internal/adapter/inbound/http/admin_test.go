package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/subsync/subsync-limiter/internal/adapter/outbound/cel"
	"github.com/subsync/subsync-limiter/internal/adapter/outbound/memory"
	"github.com/subsync/subsync-limiter/internal/domain/admission"
	"github.com/subsync/subsync-limiter/internal/domain/ratelimit"
	"github.com/subsync/subsync-limiter/internal/service"
)

func newAdminFixture(t *testing.T) (*AdminHandler, *service.AdmissionService, *service.StatsService) {
	t.Helper()

	eval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatalf("cel.NewEvaluator error: %v", err)
	}

	stats := service.NewStatsService()
	rules := []admission.Rule{
		{Name: "everyone", Match: `path == "/"`, KeyBy: ratelimit.KeyTypeGlobal, PermitsPerSecond: 7.5, Tolerance: 250 * time.Millisecond},
		{Name: "per-route", KeyBy: ratelimit.KeyTypeRoute, PermitsPerSecond: 2},
	}
	svc, err := service.NewAdmissionService(memory.NewRateLimiter(), eval, rules, discardLogger(), service.WithStats(stats))
	if err != nil {
		t.Fatalf("NewAdmissionService error: %v", err)
	}
	return NewAdminHandler(svc, stats, discardLogger()), svc, stats
}

// adminRequest builds a request arriving from a loopback client.
func adminRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	return req
}

func TestAdminHandler_GetLimit(t *testing.T) {
	t.Parallel()

	h, _, _ := newAdminFixture(t)

	req := adminRequest(http.MethodGet, "/admin/api/limits/ratelimit:global:everyone")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp LimitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PermitsPerSecond != 7.5 {
		t.Errorf("PermitsPerSecond = %v, want 7.5", resp.PermitsPerSecond)
	}
	if resp.EmissionIntervalNanos != 133333333 {
		t.Errorf("EmissionIntervalNanos = %d, want 133333333", resp.EmissionIntervalNanos)
	}
	if resp.ToleranceNanos != int64(250*time.Millisecond) {
		t.Errorf("ToleranceNanos = %d", resp.ToleranceNanos)
	}
	if resp.Burst != 2 {
		t.Errorf("Burst = %d, want 2", resp.Burst)
	}
}

func TestAdminHandler_GetLimit_EscapedRouteKey(t *testing.T) {
	t.Parallel()

	h, svc, _ := newAdminFixture(t)
	if _, err := svc.Admit(t.Context(), admission.Request{Method: "POST", Path: "/api/charge", Route: "POST /api/charge"}); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	key := "ratelimit:route:per-route:POST /api/charge"
	req := adminRequest(http.MethodGet, "/admin/api/limits/"+url.PathEscape(key))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp LimitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Key != key {
		t.Errorf("Key = %q, want %q", resp.Key, key)
	}
	if resp.EmissionIntervalNanos != int64(500*time.Millisecond) {
		t.Errorf("EmissionIntervalNanos = %d", resp.EmissionIntervalNanos)
	}
}

func TestAdminHandler_GetLimit_Absent(t *testing.T) {
	t.Parallel()

	h, _, _ := newAdminFixture(t)

	req := adminRequest(http.MethodGet, "/admin/api/limits/ratelimit:ip:nobody")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAdminHandler_ListRules(t *testing.T) {
	t.Parallel()

	h, _, _ := newAdminFixture(t)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/api/rules"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp []RuleResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("len(rules) = %d, want 2", len(resp))
	}
	if resp[0].Name != "everyone" || resp[0].KeyBy != "global" || resp[0].Tolerance != "250ms" || resp[0].Match != `path == "/"` {
		t.Errorf("rules[0] = %+v", resp[0])
	}
	if resp[1].Name != "per-route" || resp[1].Tolerance != "0s" {
		t.Errorf("rules[1] = %+v", resp[1])
	}
}

func TestAdminHandler_Stats(t *testing.T) {
	t.Parallel()

	h, svc, _ := newAdminFixture(t)
	for i := 0; i < 4; i++ {
		_, _ = svc.Admit(t.Context(), admission.Request{Method: "GET", Path: "/"})
	}

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/api/stats"))

	var stats service.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The global rule matches "/" and has a burst of 2.
	if stats.Allowed != 2 || stats.RateLimited != 2 {
		t.Errorf("stats = %+v, want 2 allowed and 2 rate limited", stats)
	}
	if stats.RateLimitedByRule["everyone"] != 2 {
		t.Errorf("RateLimitedByRule = %+v", stats.RateLimitedByRule)
	}
}

func TestAdminHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	h, _, _ := newAdminFixture(t)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/api/rules"))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestAdminHandler_LoopbackOnly(t *testing.T) {
	t.Parallel()

	h, _, _ := newAdminFixture(t)
	routes := h.Routes()

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       int
	}{
		{name: "ipv4 loopback", remoteAddr: "127.0.0.1:5000", want: http.StatusOK},
		{name: "other loopback address", remoteAddr: "127.0.0.2:5000", want: http.StatusOK},
		{name: "ipv6 loopback", remoteAddr: "[::1]:5000", want: http.StatusOK},
		{name: "remote client", remoteAddr: "203.0.113.7:5000", want: http.StatusForbidden},
		{
			name:       "forwarded header does not grant access",
			remoteAddr: "203.0.113.7:5000",
			headers:    map[string]string{"X-Forwarded-For": "127.0.0.1", "X-Real-IP": "127.0.0.1"},
			want:       http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			routes.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
