package domain

// CheckType - тип проверки. Набор закрытый, реестр проверок строится при старте.
type CheckType string

const (
	CheckSchema        CheckType = "schema"
	CheckHallucination CheckType = "hallucination"
	CheckDrift         CheckType = "drift"
	CheckCoherence     CheckType = "coherence"
	CheckToolLoop      CheckType = "tool_loop"
	CheckGuardrails    CheckType = "guardrails"
)

// CheckTypes - все типы в каноничном порядке (он же порядок в результатах).
var CheckTypes = []CheckType{
	CheckSchema,
	CheckHallucination,
	CheckDrift,
	CheckCoherence,
	CheckToolLoop,
	CheckGuardrails,
}

// CheckResult - результат одной проверки для одного исполнения.
type CheckResult struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	CheckType   CheckType      `json:"check_type"`
	Score       *float64       `json:"score"` // nil = проверка не смогла или не должна была оценить
	Passed      bool           `json:"passed"`
	Details     map[string]any `json:"details"`
	DurationMs  int64          `json:"duration_ms"`
}

// Ключи details, на которые опирается остальной код.
const (
	DetailError    = "error"
	DetailOverride = "override"
)

// Failed - проверка не выполнилась (ошибка, паника или таймаут).
func (r CheckResult) Failed() bool {
	_, ok := r.Details[DetailError]
	return ok && r.Score == nil && !r.Passed
}

// Override возвращает принудительное решение, если проверка его выставила (только guardrails).
func (r CheckResult) Override() (Action, bool) {
	var a Action
	switch v := r.Details[DetailOverride].(type) {
	case Action:
		a = v
	case string: // После чтения из хранилища
		a = Action(v)
	}
	if !a.Valid() {
		return "", false
	}
	return a, true
}
