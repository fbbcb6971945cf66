package domain

// Лимиты выборок для консоли.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ExecutionFilter - выборка исполнений в консоли. Пустые поля не фильтруют.
type ExecutionFilter struct {
	OrgID     string
	AgentID   string
	SessionID string
	Action    Action
	Limit     int
}

// NormalizedLimit приводит лимит к допустимому диапазону.
func (f ExecutionFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// ExecutionDetail - исполнение вместе с результатами проверок и попытками коррекции.
type ExecutionDetail struct {
	Execution
	Checks   []CheckResult       `json:"checks"`
	Attempts []CorrectionAttempt `json:"correction_attempts"`
}
