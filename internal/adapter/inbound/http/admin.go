package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/subsync/subsync-limiter/internal/domain/admission"
	"github.com/subsync/subsync-limiter/internal/domain/ratelimit"
	"github.com/subsync/subsync-limiter/internal/service"
)

// AdmissionView is the read-only view of the admission layer the admin API serves.
type AdmissionView interface {
	Rules() []admission.Rule
	Limiter() ratelimit.Limiter
}

// LimitResponse is the JSON response for GET /admin/api/limits/{key}.
type LimitResponse struct {
	Key                   string  `json:"key"`
	PermitsPerSecond      float64 `json:"permits_per_second"`
	EmissionIntervalNanos int64   `json:"emission_interval_nanos"`
	ToleranceNanos        int64   `json:"tolerance_nanos"`
	Burst                 int     `json:"burst"`
}

// RuleResponse is one entry of GET /admin/api/rules.
type RuleResponse struct {
	Name             string  `json:"name"`
	Match            string  `json:"match,omitempty"`
	KeyBy            string  `json:"key_by"`
	PermitsPerSecond float64 `json:"permits_per_second"`
	Tolerance        string  `json:"tolerance"`
}

// AdminHandler serves the read-only admin API.
type AdminHandler struct {
	view   AdmissionView
	stats  *service.StatsService
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler. stats may be nil.
func NewAdminHandler(view AdmissionView, stats *service.StatsService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{view: view, stats: stats, logger: logger}
}

// Routes returns the admin API mux. Only loopback clients may use it.
func (h *AdminHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/api/rules", h.handleListRules)
	mux.HandleFunc("GET /admin/api/limits/{key...}", h.handleGetLimit)
	mux.HandleFunc("GET /admin/api/stats", h.handleGetStats)
	return h.localhostOnly(mux)
}

// localhostOnly rejects requests whose TCP peer is not a loopback address
// with 403. Forwarding headers are never consulted; reach the admin API
// from another host through an SSH tunnel.
func (h *AdminHandler) localhostOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLoopback(r) {
			next.ServeHTTP(w, r)
			return
		}
		h.logger.Warn("admin API request from non-loopback address rejected",
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
		)
		h.respondError(w, http.StatusForbidden, "admin API requires localhost access")
	})
}

// isLoopback reports whether r arrived from a loopback address.
func isLoopback(r *http.Request) bool {
	host := remoteHost(r)
	if host == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.IsLoopback()
}

func (h *AdminHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.view.Rules()
	resp := make([]RuleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, RuleResponse{
			Name:             rule.Name,
			Match:            rule.Match,
			KeyBy:            string(rule.KeyBy),
			PermitsPerSecond: rule.PermitsPerSecond,
			Tolerance:        rule.Tolerance.String(),
		})
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// handleGetLimit exposes the limiter's config lookup. An absent key is a
// normal 404, not an error.
func (h *AdminHandler) handleGetLimit(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		h.respondError(w, http.StatusBadRequest, "key is required")
		return
	}

	cfg, ok := h.view.Limiter().Config(key)
	if !ok {
		h.respondError(w, http.StatusNotFound, "rate limiter not configured for key")
		return
	}

	h.respondJSON(w, http.StatusOK, LimitResponse{
		Key:                   key,
		PermitsPerSecond:      cfg.PermitsPerSecond,
		EmissionIntervalNanos: cfg.EmissionIntervalNanos,
		ToleranceNanos:        cfg.ToleranceNanos,
		Burst:                 cfg.Burst(),
	})
}

func (h *AdminHandler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		h.respondJSON(w, http.StatusOK, service.Stats{RateLimitedByRule: map[string]int64{}})
		return
	}
	h.respondJSON(w, http.StatusOK, h.stats.GetStats())
}

// respondJSON writes a JSON response with the given status code and data.
func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// writeJSONError writes {"error": message} outside the admin handler.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
