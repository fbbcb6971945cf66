package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action - решение пайплайна по одному исполнению агента.
type Action string

const (
	ActionPass  Action = "pass"  // Выход можно отдавать пользователю
	ActionFlag  Action = "flag"  // Пониженное доверие, выход отдается с пометкой
	ActionBlock Action = "block" // Выход не должен дойти до пользователя
)

// Severity задает порядок строгости: pass < flag < block.
func (a Action) Severity() int {
	switch a {
	case ActionBlock:
		return 2
	case ActionFlag:
		return 1
	default:
		return 0
	}
}

// Stricter возвращает более строгое из двух решений.
func Stricter(a, b Action) Action {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

func (a Action) Valid() bool {
	return a == ActionPass || a == ActionFlag || a == ActionBlock
}

// ExecutionStatus - чем закончился вызов обернутой функции агента.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// StepTool - тип шага, который считается вызовом инструмента.
const StepTool = "tool"

// Step - один записанный шаг трассы (вызов инструмента, LLM, retrieval и т.д.)
type Step struct {
	Type   string    `json:"type"`
	Name   string    `json:"name"`
	Input  any       `json:"input,omitempty"`
	Output any       `json:"output,omitempty"`
	At     time.Time `json:"at"`
}

// ToolCall - вызов инструмента в каноничном виде (для tool_loop и tool_policy).
type ToolCall struct {
	Name string `json:"name"`
	Args string `json:"args"` // Каноничный JSON аргументов
}

// Execution - одно исполнение наблюдаемой функции агента вместе с решением пайплайна.
type Execution struct {
	ID             string          `json:"execution_id"`
	AgentID        string          `json:"agent_id"`
	OrgID          string          `json:"org_id"`
	SessionID      string          `json:"session_id,omitempty"`
	SequenceNumber *int64          `json:"sequence_number,omitempty"`
	Task           string          `json:"task"`
	Input          string          `json:"input"`
	Output         string          `json:"output"`
	Status         ExecutionStatus `json:"status"`
	Error          string          `json:"error,omitempty"`

	// Решение верификации
	Action         Action   `json:"action,omitempty"`
	Confidence     *float64 `json:"confidence"`
	Corrected      bool     `json:"corrected"`
	OriginalOutput *string  `json:"original_output,omitempty"`

	LatencyMs    int64     `json:"latency_ms"`
	TokenCount   int       `json:"token_count"`
	CostEstimate float64   `json:"cost_estimate"`
	Timestamp    time.Time `json:"timestamp"`

	// Контекст для проверок. В основную таблицу не попадает, кроме трассы.
	GroundTruth string          `json:"ground_truth,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Steps       []Step          `json:"steps,omitempty"`
}

// ToolCalls выделяет из трассы вызовы инструментов в порядке их записи.
func (e *Execution) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, s := range e.Steps {
		if s.Type != StepTool {
			continue
		}
		calls = append(calls, ToolCall{Name: s.Name, Args: CanonicalJSON(s.Input)})
	}
	return calls
}

// Clone делает копию, которую можно отдавать проверкам как неизменяемый снимок.
func (e *Execution) Clone() Execution {
	c := *e
	if e.SequenceNumber != nil {
		seq := *e.SequenceNumber
		c.SequenceNumber = &seq
	}
	if e.Confidence != nil {
		conf := *e.Confidence
		c.Confidence = &conf
	}
	if e.OriginalOutput != nil {
		orig := *e.OriginalOutput
		c.OriginalOutput = &orig
	}
	c.Schema = append(json.RawMessage(nil), e.Schema...)
	c.Steps = append([]Step(nil), e.Steps...)
	return c
}

// MarkCorrected фиксирует успешную коррекцию: оригинал сохраняется ровно один раз.
func (e *Execution) MarkCorrected(output string, confidence *float64, action Action) error {
	if output == e.Output {
		return fmt.Errorf("corrected output is identical to original")
	}
	if e.Corrected {
		return fmt.Errorf("execution %s already corrected", e.ID)
	}
	orig := e.Output
	e.OriginalOutput = &orig
	e.Output = output
	e.Confidence = confidence
	e.Action = action
	e.Corrected = true
	return nil
}

// CanonicalJSON сериализует значение так, чтобы одинаковые аргументы давали одинаковую строку.
// encoding/json сортирует ключи map, поэтому этого достаточно.
func CanonicalJSON(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err == nil {
			return CanonicalJSON(decoded)
		}
		return string(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// Stringify приводит произвольный выход агента к строке для проверок.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// Float - хелпер для nullable-полей.
func Float(v float64) *float64 { return &v }

// String - хелпер для nullable-полей.
func String(v string) *string { return &v }
