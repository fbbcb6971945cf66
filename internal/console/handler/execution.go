package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-verifier/internal/console/service"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

type ExecutionHandler struct {
	service *service.ExecutionService
	logger  *zap.Logger
}

func NewExecutionHandler(s *service.ExecutionService, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{service: s, logger: logger}
}

// List возвращает последние исполнения с фильтрацией
// GET /v1/executions?agent_id=...&session_id=...&action=...&limit=...
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}

	f := domain.ExecutionFilter{
		OrgID:     orgID,
		AgentID:   q.Get("agent_id"),
		SessionID: q.Get("session_id"),
		Action:    domain.Action(q.Get("action")),
		Limit:     limit,
	}
	list, err := h.service.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list executions", zap.String("org_id", orgID), zap.Error(err))
		writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.Execution{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get - исполнение вместе с проверками и попытками коррекции.
// GET /v1/executions/{id}
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(w, r)
	if !ok {
		return
	}
	detail, err := h.service.Get(r.Context(), orgID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Alerts - последние алерты организации.
// GET /v1/alerts?limit=...
func (h *ExecutionHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	alerts, err := h.service.Alerts(r.Context(), orgID, limit)
	if err != nil {
		h.logger.Error("list alerts", zap.String("org_id", orgID), zap.Error(err))
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}
