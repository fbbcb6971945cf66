package domain

// Layer - уровень каскада коррекции. Больше трех уровней не бывает.
type Layer int

const (
	LayerRepair           Layer = 1
	LayerConstrainedRegen Layer = 2
	LayerFullReprompt     Layer = 3
)

// MaxCorrectionAttempts - жесткий предел попыток на одно исполнение.
const MaxCorrectionAttempts = 3

func (l Layer) Name() string {
	switch l {
	case LayerRepair:
		return "repair"
	case LayerConstrainedRegen:
		return "constrained_regen"
	case LayerFullReprompt:
		return "full_reprompt"
	default:
		return "unknown"
	}
}

// CorrectionAttempt - одна ступень каскада.
type CorrectionAttempt struct {
	ID               string   `json:"id"`
	ExecutionID      string   `json:"execution_id"`
	Layer            Layer    `json:"layer"`
	LayerName        string   `json:"layer_name"`
	ActionTaken      string   `json:"action_taken"`
	Success          bool     `json:"success"`
	ConfidenceBefore *float64 `json:"confidence_before"`
	ConfidenceAfter  *float64 `json:"confidence_after"`
	CorrectedOutput  *string  `json:"corrected_output"`
	LatencyMs        int64    `json:"latency_ms"`
	Error            string   `json:"error,omitempty"`
}

// CascadeStatus - терминальное состояние каскада.
type CascadeStatus string

const (
	CascadeSucceeded CascadeStatus = "succeeded"
	CascadeExhausted CascadeStatus = "exhausted"
	CascadeSkipped   CascadeStatus = "skipped" // Коррекция выключена или не нужна
)
