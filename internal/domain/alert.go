package domain

import "time"

// AlertKind - классификация системных алертов для дашборда.
type AlertKind string

const (
	AlertVerificationFailed AlertKind = "verification_failed" // Все проверки упали
	AlertCascadeExhausted   AlertKind = "cascade_exhausted"   // Ни одна попытка коррекции не прошла
	AlertPersistFailed      AlertKind = "persist_failed"      // Результат не удалось сохранить
	AlertExecutionBlocked   AlertKind = "execution_blocked"   // Итоговое решение block
)

type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Alert - событие для операторов.
type Alert struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"org_id"`
	AgentID     string         `json:"agent_id"`
	ExecutionID string         `json:"execution_id"`
	Kind        AlertKind      `json:"kind"`
	Severity    AlertSeverity  `json:"severity"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
