// Package http provides the HTTP API for the admission core.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/textgate/textgate/adapters/metrics"
	"github.com/textgate/textgate/app"
	"github.com/textgate/textgate/domain/admission"
	"github.com/textgate/textgate/domain/quota"
	"github.com/textgate/textgate/domain/usage"
	"github.com/textgate/textgate/ports"
)

// maxBodyBytes bounds /improve request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the public API.
type Handler struct {
	admission  *app.AdmissionService
	circuit    *app.FallbackCircuit
	accountant *app.Accountant
	clock      ports.Clock
	logger     zerolog.Logger
	metrics    *metrics.Collector
}

// Deps contains dependencies for the handler.
type Deps struct {
	Admission  *app.AdmissionService
	Circuit    *app.FallbackCircuit
	Accountant *app.Accountant
	Clock      ports.Clock
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		admission:  deps.Admission,
		circuit:    deps.Circuit,
		accountant: deps.Accountant,
		clock:      deps.Clock,
		logger:     deps.Logger.With().Str("component", "http").Logger(),
		metrics:    deps.Metrics,
	}
}

// Routes builds the router.
func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)

	r.Post("/improve", h.handleImprove)
	r.Get("/usage", h.handleUsage)
	r.Get("/healthz", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	return r
}

type improveRequest struct {
	Text         string `json:"text"`
	ProviderHint string `json:"providerHint,omitempty"`
}

type usageSummary struct {
	DailyCount int64      `json:"dailyCount"`
	DailyLimit int64      `json:"dailyLimit"`
	ResetAt    int64      `json:"resetAt"`
	Tier       quota.Tier `json:"tier"`
}

type improveResponse struct {
	Text     string       `json:"text"`
	Origin   usage.Origin `json:"origin"`
	Degraded bool         `json:"degraded,omitempty"`
	Usage    usageSummary `json:"usage"`
}

type errorResponse struct {
	Code              string `json:"code"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
}

func (h *Handler) handleImprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body improveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: "text is required"})
		return
	}

	rc := app.RequestContext{
		APIKey:    extractAPIKey(r),
		Source:    extractIP(r),
		UserAgent: r.UserAgent(),
		Endpoint:  r.URL.Path,
	}

	ident, err := h.admission.ResolveIdentity(ctx, rc)
	if err != nil {
		if errors.Is(err, app.ErrInvalidKey) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "INVALID_KEY", Message: "the provided API key is invalid"})
			return
		}
		h.failClosed(w, err)
		return
	}

	decision, err := h.admission.Admit(ctx, rc, ident)
	if err != nil {
		h.failClosed(w, err)
		return
	}

	if !decision.Allowed {
		h.accountant.RecordDenial(ident.ID, string(decision.Reason))
		h.writeRateLimited(w, decision)
		return
	}

	if !decision.Unlimited() {
		setRateLimitHeaders(w, decision)
	}

	start := h.clock.Now()
	res, failedOver, err := h.circuit.Invoke(ctx, ports.RewriteRequest{
		Text:         body.Text,
		ProviderHint: body.ProviderHint,
	})
	latency := h.clock.Now().Sub(start)

	// The call executed; it occupied capacity whatever happened next.
	if commitErr := h.admission.CommitUsage(ctx, ident.ID); commitErr != nil {
		h.logger.Error().Err(commitErr).Str("identity", ident.ID).Msg("quota commit failed")
	}

	outcome := usage.OutcomeAllowed
	switch {
	case ctx.Err() != nil:
		outcome = usage.OutcomeAbandoned
	case failedOver:
		outcome = usage.OutcomeProviderError
	}
	h.accountant.RecordCall(ident.ID, outcome, res, latency)

	if err != nil {
		// Both capabilities failed; nothing left to degrade to.
		h.logger.Error().Err(err).Msg("rewrite failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Code: "REWRITE_FAILED", Message: "unable to process text"})
		return
	}

	status, usageErr := h.admission.Usage(ctx, ident)
	if usageErr != nil {
		h.logger.Error().Err(usageErr).Msg("usage read failed")
	}

	writeJSON(w, http.StatusOK, improveResponse{
		Text:     res.Text,
		Origin:   res.Origin,
		Degraded: res.Origin == usage.OriginLocal,
		Usage: usageSummary{
			DailyCount: status.DailyCount,
			DailyLimit: status.DailyLimit,
			ResetAt:    status.ResetAt,
			Tier:       ident.Tier,
		},
	})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rc := app.RequestContext{
		APIKey:    extractAPIKey(r),
		Source:    extractIP(r),
		UserAgent: r.UserAgent(),
		Endpoint:  r.URL.Path,
	}

	ident, err := h.admission.ResolveIdentity(ctx, rc)
	if err != nil {
		if errors.Is(err, app.ErrInvalidKey) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "INVALID_KEY", Message: "the provided API key is invalid"})
			return
		}
		h.failClosed(w, err)
		return
	}

	status, err := h.admission.Usage(ctx, ident)
	if err != nil {
		h.failClosed(w, err)
		return
	}

	writeJSON(w, http.StatusOK, usageSummary{
		DailyCount: status.DailyCount,
		DailyLimit: status.DailyLimit,
		ResetAt:    status.ResetAt,
		Tier:       status.Tier,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"circuit": h.circuit.State().String(),
	})
}

// failClosed denies when the backing counters are unreachable. Admitting
// without quota and abuse tracking would defeat the component.
func (h *Handler) failClosed(w http.ResponseWriter, err error) {
	h.logger.Error().Err(err).Msg("admission infrastructure failure, denying")
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "UNAVAILABLE", Message: "service temporarily unavailable"})
}

func (h *Handler) writeRateLimited(w http.ResponseWriter, d admission.Decision) {
	retry := d.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	if d.Reason == admission.ReasonQuotaExceeded {
		setRateLimitHeaders(w, d)
	}
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Code:              "RATE_LIMITED",
		RetryAfterSeconds: retry,
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d admission.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// instrument wraps requests with logging and metrics.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if h.metrics != nil {
			h.metrics.RequestsInFlight.Inc()
			defer h.metrics.RequestsInFlight.Dec()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		if h.metrics != nil {
			h.metrics.RequestDuration.
				WithLabelValues(r.URL.Path, strconv.Itoa(ww.Status())).
				Observe(elapsed.Seconds())
		}

		h.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Str("source", extractIP(r)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// extractAPIKey extracts the API key from the request.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// extractIP extracts the client IP from the request.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
