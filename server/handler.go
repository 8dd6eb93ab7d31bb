package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/rollout/alerting"
	"github.com/GoCodeAlone/rollout/engine"
	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/store"
)

// Handler provides the rollout HTTP API.
type Handler struct {
	eng      *engine.Engine
	monitor  *alerting.Monitor
	history  store.HistoryStore
	outcomes store.OutcomeStore
	logger   *slog.Logger
}

// NewHandler creates the rollout HTTP handler. The monitor may be nil when
// alerting is disabled; alert endpoints then return empty results.
func NewHandler(eng *engine.Engine, monitor *alerting.Monitor, history store.HistoryStore, outcomes store.OutcomeStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{eng: eng, monitor: monitor, history: history, outcomes: outcomes, logger: logger}
}

// RegisterRoutes registers rollout API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rollout/status", h.getStatus)
	mux.HandleFunc("POST /api/rollout/advance", h.advance)
	mux.HandleFunc("POST /api/rollout/rollback", h.rollback)
	mux.HandleFunc("POST /api/rollout/enabled", h.setEnabled)
	mux.HandleFunc("POST /api/rollout/percentage", h.setPercentage)
	mux.HandleFunc("POST /api/rollout/autoadvance", h.setAutoAdvance)
	mux.HandleFunc("POST /api/rollout/tenants", h.updateTenant)
	mux.HandleFunc("GET /api/rollout/tenants/{id}", h.checkTenant)
	mux.HandleFunc("GET /api/rollout/history", h.getHistory)
	mux.HandleFunc("GET /api/rollout/health", h.checkHealth)
	mux.HandleFunc("GET /api/rollout/alerts", h.getAlerts)
	mux.HandleFunc("GET /api/rollout/alerts/summary", h.getAlertSummary)
	mux.HandleFunc("POST /api/outcomes", h.recordOutcome)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.eng.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request) {
	var cmd engine.AdvanceCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	before, err := h.eng.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	status, err := h.eng.Advance(r.Context(), cmd)
	if err != nil {
		var blocked *engine.AdvanceBlockedError
		if errors.As(err, &blocked) && h.monitor != nil {
			h.monitor.CreateStageBlockedAlert(r.Context(), blocked.Stage, blocked.Result.AdvanceBlockers)
		}
		h.writeError(w, err)
		return
	}
	if h.monitor != nil {
		h.monitor.CreateStageAdvancementAlert(r.Context(), before.CurrentStage, status.CurrentStage, cmd.InitiatedBy)
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) rollback(w http.ResponseWriter, r *http.Request) {
	var cmd engine.RollbackCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	before, err := h.eng.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	status, err := h.eng.Rollback(r.Context(), cmd)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.monitor != nil {
		h.monitor.CreateRollbackAlert(r.Context(), cmd.Level, before.Percentage, status.Percentage, cmd.InitiatedBy, cmd.Reason)
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled     bool   `json:"enabled"`
		InitiatedBy string `json:"initiatedBy"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	status, err := h.eng.SetEnabled(r.Context(), body.Enabled, body.InitiatedBy, body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) setPercentage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Percentage  float64 `json:"percentage"`
		InitiatedBy string  `json:"initiatedBy"`
		Reason      string  `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	status, err := h.eng.SetPercentage(r.Context(), body.Percentage, body.InitiatedBy, body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) setAutoAdvance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled     bool   `json:"enabled"`
		InitiatedBy string `json:"initiatedBy"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	status, err := h.eng.SetAutoAdvance(r.Context(), body.Enabled, body.InitiatedBy, body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) updateTenant(w http.ResponseWriter, r *http.Request) {
	var cmd engine.TenantCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	status, err := h.eng.UpdateTenantStatus(r.Context(), cmd)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) checkTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	uses, err := h.eng.TenantUsesNewVersion(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenantId": id, "usesNewVersion": uses})
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := h.history.ListHistory(r.Context(), h.eng.Name(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "total": len(entries)})
}

func (h *Handler) checkHealth(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.CheckHealth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) getAlerts(w http.ResponseWriter, r *http.Request) {
	var alerts []alerting.ManagedAlert
	if h.monitor != nil {
		alerts = h.monitor.GetRolloutAlerts()
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": alerts, "total": len(alerts)})
}

func (h *Handler) getAlertSummary(w http.ResponseWriter, r *http.Request) {
	var summary alerting.Summary
	if h.monitor != nil {
		summary = h.monitor.GetRolloutAlertSummary()
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) recordOutcome(w http.ResponseWriter, r *http.Request) {
	var outcome health.CallOutcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if outcome.Version == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version is required"})
		return
	}
	switch outcome.Status {
	case health.OutcomeSuccess, health.OutcomeError, health.OutcomeFailure:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be success, error, or failure"})
		return
	}
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now().UTC()
	}
	if err := h.outcomes.RecordOutcome(r.Context(), outcome); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// writeError maps engine and store errors to HTTP responses. Blocked
// advances return 409 with the unmet criteria so callers can display them.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var blocked *engine.AdvanceBlockedError
	if errors.As(err, &blocked) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    blocked.Error(),
			"stage":    blocked.Stage,
			"blockers": blocked.Result.AdvanceBlockers,
		})
		return
	}
	var invalid *engine.ValidationError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": invalid.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	h.logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
