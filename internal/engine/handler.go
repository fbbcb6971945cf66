package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra/auth"
	"go.uber.org/zap"
)

// Handler - HTTP-вход для SDK на других языках.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.Named("api")}
}

// Routes собирает роутер: публичный health и защищенный периметр под токеном.
func (h *Handler) Routes(v auth.TokenValidator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(v, h.logger))

		r.With(auth.RequireScope(domain.ScopeExecutionsWrite)).Post("/v1/executions", h.SubmitExecution)
		r.With(auth.RequireScope(domain.ScopeExecutionsRead)).Get("/v1/sessions/{id}/window", h.SessionWindow)
	})
	return r
}

// SubmitExecution принимает исполнение агента.
// POST /v1/executions
func (h *Handler) SubmitExecution(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req ExecutionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	view, err := h.svc.Submit(r.Context(), claims.OrgID, req)
	switch {
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrQueueClosed):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if view.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, view)
}

// SessionWindow отдает текущее окно сессии.
// GET /v1/sessions/{id}/window
func (h *Handler) SessionWindow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	window := h.svc.Window(id)
	if window == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "window": window})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
