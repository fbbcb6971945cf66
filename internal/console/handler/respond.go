package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-verifier/internal/console/service"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
	"github.com/xela07ax/spaceai-verifier/internal/infra/auth"
)

type errorBody struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит доменные ошибки в HTTP-статусы. Внутренние детали наружу не отдаем.
func writeError(w http.ResponseWriter, err error) {
	var ce *guardrail.ConditionError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid guardrail", Problems: ce.Problems})
	case errors.Is(err, domain.ErrInvalidCondition), errors.Is(err, service.ErrBadFilter):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrGuardrailNotFound), errors.Is(err, domain.ErrExecutionNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// orgFromRequest - организация из токена. Без claims запрос до хендлера не доходит,
// но проверяем на случай неверной сборки роутера.
func orgFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	c, ok := auth.ClaimsFromContext(r.Context())
	if !ok || c.OrgID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return "", false
	}
	return c.OrgID, true
}
