package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/de-tools/health-audit/pkg/adapters"
	"github.com/de-tools/health-audit/pkg/models/api"
	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/server/middleware"
	"github.com/de-tools/health-audit/pkg/services/audit"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

var errBadRequest = errors.New("bad request")

type Handler struct {
	service audit.Service
}

func NewHandler(service audit.Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the audit endpoints. Callers must already be authenticated.
func (h *Handler) Routes(r chi.Router, trigger func(http.Handler) http.Handler) {
	r.With(middleware.RequireTrigger, trigger).Post("/runs", h.TriggerRun)
	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{runID}", h.GetRun)
	r.Get("/runs/{runID}/report", h.GetReport)
	r.Get("/trend/{dimension}", h.GetTrend)
	r.Get("/regressions", h.GetRegressions)
	r.Get("/diff", h.DiffRuns)
	r.Post("/findings/{findingID}/acknowledge", h.AcknowledgeFinding)
	r.Get("/state", h.GetState)
}

func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, true)
	if !ok {
		return
	}

	summary, err := h.service.RunAudit(r.Context(), p.Tenant, p.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, adapters.MapRunSummaryDomainToApi(summary))
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, false)
	if !ok {
		return
	}

	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRunsLimit {
			h.writeError(w, r, fmt.Errorf("%w: limit must be an integer in [1, %d]", errBadRequest, maxRunsLimit))
			return
		}
		limit = n
	}

	runs, err := h.service.ListRuns(r.Context(), p.Tenant, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, adapters.MapAuditRunsDomainToApi(runs))
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, false)
	if !ok {
		return
	}

	detail, err := h.service.GetRun(r.Context(), p.Tenant, chi.URLParam(r, "runID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, adapters.MapRunDetailDomainToApi(*detail))
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, false)
	if !ok {
		return
	}

	detail, err := h.service.GetReport(r.Context(), p.Tenant, chi.URLParam(r, "runID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, adapters.MapRunDetailDomainToApi(*detail))
}

func (h *Handler) GetTrend(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, false)
	if !ok {
		return
	}

	dim, err := domain.ParseDimension(chi.URLParam(r, "dimension"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil || days <= 0 {
			h.writeError(w, r, fmt.Errorf("%w: days must be a positive integer", errBadRequest))
			return
		}
	}

	series, err := h.service.GetTrend(r.Context(), p.Tenant, dim, days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, adapters.MapTrendDomainToApi(series))
}

func (h *Handler) GetRegressions(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, false)
	if !ok {
		return
	}

	var threshold *float64
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			h.writeError(w, r, fmt.Errorf("%w: threshold must be a non-negative number", errBadRequest))
			return
		}
		threshold = &v
	}

	alerts, err := h.service.GetRegressions(r.Context(), p.Tenant, threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, adapters.MapRegressionAlertsDomainToApi(alerts))
}

func (h *Handler) DiffRuns(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, false)
	if !ok {
		return
	}

	base := r.URL.Query().Get("base")
	comparison := r.URL.Query().Get("comparison")
	if base == "" || comparison == "" {
		h.writeError(w, r, fmt.Errorf("%w: base and comparison are required", errBadRequest))
		return
	}

	d, err := h.service.DiffRuns(r.Context(), p.Tenant, base, comparison)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, adapters.MapRunDiffDomainToApi(*d))
}

func (h *Handler) AcknowledgeFinding(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, false)
	if !ok {
		return
	}

	var body api.AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}

	finding, err := h.service.AcknowledgeFinding(r.Context(), p.Tenant, chi.URLParam(r, "findingID"), p.ID, body.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, adapters.MapFindingDomainToApi(*finding))
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, false)
	if !ok {
		return
	}

	state, _ := h.service.State(p.Tenant)
	h.writeJSON(w, r, http.StatusOK, api.RunState{
		Tenant: p.Tenant,
		State:  string(state),
		Active: state.Active(),
	})
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request, trigger bool) (middleware.Principal, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok || (trigger && !p.CanTrigger) || (!trigger && !p.CanRead) {
		h.writeError(w, r, domain.ErrUnauthorized)
		return middleware.Principal{}, false
	}
	return p, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidDiffTarget):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("audit request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("audit request rejected")
	}
	h.writeJSON(w, r, status, api.Error{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).Error().
			Err(err).
			Msg("failed to encode response")
	}
}
