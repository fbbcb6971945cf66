package domain

import "time"

// Turn - краткая сводка одного хода сессии, которую видят coherence и drift.
type Turn struct {
	Sequence    int64     `json:"sequence"`
	ExecutionID string    `json:"execution_id"`
	Input       string    `json:"input"`
	Output      string    `json:"output"`
	Action      Action    `json:"action"`
	At          time.Time `json:"at"`
}

// Baseline - историческая базовая линия агента для drift-проверки.
type Baseline struct {
	AgentID      string             `json:"agent_id"`
	TermWeights  map[string]float64 `json:"term_weights"`  // Нормированные частоты терминов исторических выходов
	AvgLength    float64            `json:"avg_length"`    // Средняя длина выхода в словах
	SampleCount  int                `json:"sample_count"`  // Сколько исполнений вошло в линию
	TaskKeywords []string           `json:"task_keywords"` // Ключевые слова типичных задач
	UpdatedAt    time.Time          `json:"updated_at"`
}

// MinBaselineSamples - меньше этого базовая линия считается недостаточной.
const MinBaselineSamples = 5

// Sufficient - хватает ли истории, чтобы штрафовать за дрейф.
func (b *Baseline) Sufficient() bool {
	return b != nil && b.SampleCount >= MinBaselineSamples && len(b.TermWeights) > 0
}
