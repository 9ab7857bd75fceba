/*
handlers.go - HTTP API handlers for travel cost calculations

PURPOSE:
  Exposes the travel engine via REST. Handles request decoding, validation
  and JSON responses; all business decisions are delegated to the engine.

ENDPOINTS:
  Calculations:
    POST /api/calculations/preview                  Preview, never audited
    POST /api/travel-requests/{id}/calculations     Calculate and audit
    GET  /api/travel-requests/{id}/audit            Audit trail, oldest first

  Admin:
    POST /api/admin/cache/invalidate                Evict by employee/subproject/project
    POST /api/admin/cache/cleanup                   Sweep expired entries now
    GET  /api/admin/cache/stats                     Cache counters

ERROR HANDLING:
  - 400: Malformed body, invalid coordinates/frequency/amounts
  - 404: Employee, subproject or applicable rate not found
  - 503: Directory or cache store temporarily unavailable
  - 500: Audit write failure and anything unexpected

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/travel-allowance/travel"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *travel.Engine
	Logger *slog.Logger

	validate *validator.Validate
}

// NewHandler creates a handler over engine.
func NewHandler(engine *travel.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:   engine,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// CALCULATIONS
// =============================================================================

// PreviewCalculation computes an allowance without binding it to a request.
// POST /api/calculations/preview
func (h *Handler) PreviewCalculation(w http.ResponseWriter, r *http.Request) {
	var req CalculationRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.PreviewCalculation(r.Context(), req.toInput())
	if err != nil {
		h.writeEngineError(w, "Failed to calculate allowance", err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(res))
}

// CalculateAndAudit computes an allowance and records it for the request.
// POST /api/travel-requests/{id}/calculations
func (h *Handler) CalculateAndAudit(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	var req CalculationRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.CalculateAndAudit(r.Context(), requestID, req.toInput())
	if err != nil {
		h.writeEngineError(w, "Failed to calculate allowance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCalculationDTO(res))
}

// GetAuditTrail returns every calculation recorded for a travel request.
// GET /api/travel-requests/{id}/audit
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	recs, err := h.Engine.GetAuditTrail(r.Context(), requestID)
	if err != nil {
		h.writeEngineError(w, "Failed to load audit trail", err)
		return
	}
	writeJSON(w, http.StatusOK, AuditTrailDTO{
		TravelRequestID: requestID,
		Records:         toAuditRecordDTOs(recs),
	})
}

// =============================================================================
// ADMIN
// =============================================================================

// InvalidateCache evicts cached results for the given IDs.
// POST /api/admin/cache/invalidate
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if !h.decode(w, r, &req) {
		return
	}

	n, err := h.Engine.InvalidateCache(r.Context(), travel.InvalidateRequest{
		EmployeeID:   req.EmployeeID,
		SubprojectID: req.SubprojectID,
		ProjectID:    req.ProjectID,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to invalidate cache", err)
		return
	}
	writeJSON(w, http.StatusOK, EvictionDTO{Evicted: n})
}

// CleanupExpired sweeps expired cache entries immediately.
// POST /api/admin/cache/cleanup
func (h *Handler) CleanupExpired(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.CleanupExpired(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to clean up cache", err)
		return
	}
	writeJSON(w, http.StatusOK, EvictionDTO{Evicted: n})
}

// CacheStats returns hit/miss/computation counters.
// GET /api/admin/cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.CacheStats())
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "status", status, "error", err)
	}
	writeError(w, status, message, err)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case travel.IsClientError(err):
		return http.StatusBadRequest
	case travel.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, travel.ErrAuditWriteFailed):
		return http.StatusInternalServerError
	case travel.IsRetryable(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
