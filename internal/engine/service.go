package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// ExecutionRequest - исполнение, присланное SDK на другом языке (HTTP или gRPC).
type ExecutionRequest struct {
	ExecutionID  string          `json:"execution_id" validate:"omitempty,uuid"`
	AgentID      string          `json:"agent_id" validate:"required,max=128"`
	SessionID    string          `json:"session_id" validate:"max=128"`
	Task         string          `json:"task"`
	Input        string          `json:"input"`
	Output       string          `json:"output"`
	Status       string          `json:"status" validate:"omitempty,oneof=success error"`
	Error        string          `json:"error"`
	GroundTruth  string          `json:"ground_truth"`
	Schema       json.RawMessage `json:"schema"`
	Steps        []domain.Step   `json:"steps"`
	LatencyMs    int64           `json:"latency_ms" validate:"gte=0"`
	TokenCount   int             `json:"token_count" validate:"gte=0"`
	CostEstimate float64         `json:"cost_estimate" validate:"gte=0"`

	// Mode перекрывает режим сервиса для одного запроса
	Mode string `json:"mode" validate:"omitempty,oneof=sync async"`
}

var requestValidator = validator.New()

func (r ExecutionRequest) Validate() error {
	if err := requestValidator.Struct(r); err != nil {
		return fmt.Errorf("invalid execution: %w", err)
	}
	if len(r.Schema) > 0 && !json.Valid(r.Schema) {
		return fmt.Errorf("invalid execution: schema is not valid JSON")
	}
	return nil
}

// Execution строит исполнение для организации из токена.
func (r ExecutionRequest) Execution(orgID string) domain.Execution {
	return domain.Execution{
		ID:           r.ExecutionID,
		AgentID:      r.AgentID,
		OrgID:        orgID,
		SessionID:    r.SessionID,
		Task:         r.Task,
		Input:        r.Input,
		Output:       r.Output,
		Status:       domain.ExecutionStatus(r.Status),
		Error:        r.Error,
		GroundTruth:  r.GroundTruth,
		Schema:       r.Schema,
		Steps:        r.Steps,
		LatencyMs:    r.LatencyMs,
		TokenCount:   r.TokenCount,
		CostEstimate: r.CostEstimate,
	}
}

// ResultView - то, что видит вызывающий код. В режиме opaque метаданные коррекции скрыты.
type ResultView struct {
	ExecutionID    string                     `json:"execution_id"`
	SessionID      string                     `json:"session_id,omitempty"`
	SequenceNumber *int64                     `json:"sequence_number,omitempty"`
	Output         string                     `json:"output"`
	Action         domain.Action              `json:"action,omitempty"`
	Confidence     *float64                   `json:"confidence"`
	Queued         bool                       `json:"queued,omitempty"`
	Replayed       bool                       `json:"replayed,omitempty"`
	Checks         []domain.CheckResult       `json:"checks,omitempty"`
	Corrected      bool                       `json:"corrected,omitempty"`
	OriginalOutput *string                    `json:"original_output,omitempty"`
	Cascade        domain.CascadeStatus       `json:"cascade,omitempty"`
	Attempts       []domain.CorrectionAttempt `json:"attempts,omitempty"`
}

func NewResultView(res Result, transparent bool) ResultView {
	e := res.Execution
	v := ResultView{
		ExecutionID:    e.ID,
		SessionID:      e.SessionID,
		SequenceNumber: e.SequenceNumber,
		Output:         e.Output,
		Action:         e.Action,
		Confidence:     e.Confidence,
		Checks:         res.Checks,
		Replayed:       res.Replayed,
	}
	if transparent {
		v.Corrected = e.Corrected
		v.OriginalOutput = e.OriginalOutput
		v.Cascade = res.Cascade
		v.Attempts = res.Attempts
	}
	return v
}

// Service - общий вход для HTTP и gRPC: выбирает sync/async и собирает ответ.
type Service struct {
	pipeline   *Pipeline
	dispatcher *Dispatcher
}

func NewService(p *Pipeline, d *Dispatcher) *Service {
	return &Service{pipeline: p, dispatcher: d}
}

// Submit обрабатывает исполнение. В async исполнение ставится в очередь, и выход
// возвращается без изменений, confidence=nil.
func (s *Service) Submit(ctx context.Context, orgID string, req ExecutionRequest) (ResultView, error) {
	if err := req.Validate(); err != nil {
		return ResultView{}, err
	}
	cfg := s.pipeline.Config()
	exec := req.Execution(orgID)

	mode := cfg.Mode()
	if req.Mode != "" {
		mode = req.Mode
	}
	if mode == ModeAsync && s.dispatcher != nil {
		if exec.ID == "" {
			exec.ID = uuid.NewString()
		}
		if err := s.dispatcher.Submit(exec, ProcessOptions{}, nil); err != nil {
			return ResultView{}, err
		}
		return ResultView{ExecutionID: exec.ID, SessionID: exec.SessionID, Output: exec.Output, Queued: true}, nil
	}

	res, err := s.pipeline.Process(ctx, exec, ProcessOptions{})
	if err != nil {
		return ResultView{}, err
	}
	return NewResultView(res, cfg.Transparent()), nil
}

// Window - окно сессии для отладки контекста coherence.
func (s *Service) Window(sessionID string) []domain.Turn {
	return s.pipeline.Tracker().Window(strings.TrimSpace(sessionID))
}
