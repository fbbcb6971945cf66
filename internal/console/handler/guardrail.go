package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-verifier/internal/console/service"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

type GuardrailHandler struct {
	service *service.GuardrailService
	logger  *zap.Logger
}

func NewGuardrailHandler(s *service.GuardrailService, logger *zap.Logger) *GuardrailHandler {
	return &GuardrailHandler{service: s, logger: logger}
}

// List возвращает все правила организации, включая выключенные.
// GET /v1/guardrails
func (h *GuardrailHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(w, r)
	if !ok {
		return
	}
	rules, err := h.service.List(r.Context(), orgID)
	if err != nil {
		h.logger.Error("list guardrails", zap.String("org_id", orgID), zap.Error(err))
		writeError(w, err)
		return
	}
	if rules == nil {
		rules = []domain.Guardrail{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// Get - детали правила.
// GET /v1/guardrails/{id}
func (h *GuardrailHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(w, r)
	if !ok {
		return
	}
	g, err := h.service.Get(r.Context(), orgID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Create - новое правило. org_id всегда берется из токена.
// POST /v1/guardrails
func (h *GuardrailHandler) Create(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(w, r)
	if !ok {
		return
	}
	var g domain.Guardrail
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	g.ID = ""
	g.OrgID = orgID

	if err := h.service.Create(r.Context(), &g); !h.saved(w, err) {
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// Update заменяет правило целиком.
// PUT /v1/guardrails/{id}
func (h *GuardrailHandler) Update(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(w, r)
	if !ok {
		return
	}
	var g domain.Guardrail
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	g.ID = chi.URLParam(r, "id")
	g.OrgID = orgID

	if err := h.service.Update(r.Context(), &g); !h.saved(w, err) {
		return
	}
	// Перечитываем, чтобы отдать created_at из хранилища
	stored, err := h.service.Get(r.Context(), orgID, g.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// Delete удаляет правило и инициирует инвалидацию кэша
// DELETE /v1/guardrails/{id}
func (h *GuardrailHandler) Delete(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), orgID, chi.URLParam(r, "id")); !h.saved(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// saved - изменение легло в хранилище. Недоставленный сигнал обновления не считается
// ошибкой запроса: правило уже сохранено.
func (h *GuardrailHandler) saved(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, service.ErrNotBroadcast):
		h.logger.Warn("guardrail change saved without broadcast", zap.Error(err))
		return true
	default:
		writeError(w, err)
		return false
	}
}
