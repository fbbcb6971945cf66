package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/xela07ax/spaceai-verifier/internal/checks"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
)

// memStore - Persister в памяти, запоминает порядок операций.
type memStore struct {
	mu         sync.Mutex
	ops        []string
	execs      []domain.Execution
	results    []domain.CheckResult
	attempts   []domain.CorrectionAttempt
	guardrails []domain.Guardrail
	baseline   *domain.Baseline
	failOn     string
}

func (s *memStore) record(op string) error {
	s.ops = append(s.ops, op)
	if s.failOn == op {
		return errors.New("disk full")
	}
	return nil
}

func (s *memStore) SaveExecution(_ context.Context, e domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("execution"); err != nil {
		return err
	}
	for _, prev := range s.execs {
		if prev.ID == e.ID {
			return domain.ErrExecutionExists
		}
	}
	s.execs = append(s.execs, e)
	return nil
}

func (s *memStore) GetExecution(_ context.Context, orgID, id string) (*domain.ExecutionDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.ID != id || e.OrgID != orgID {
			continue
		}
		d := &domain.ExecutionDetail{Execution: e}
		for _, r := range s.results {
			if r.ExecutionID == id {
				d.Checks = append(d.Checks, r)
			}
		}
		for _, a := range s.attempts {
			if a.ExecutionID == id {
				d.Attempts = append(d.Attempts, a)
			}
		}
		return d, nil
	}
	return nil, domain.ErrExecutionNotFound
}

func (s *memStore) SaveCheckResults(_ context.Context, r []domain.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("check_results"); err != nil {
		return err
	}
	s.results = append(s.results, r...)
	return nil
}

func (s *memStore) SaveCorrectionAttempts(_ context.Context, a []domain.CorrectionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("correction_attempts"); err != nil {
		return err
	}
	s.attempts = append(s.attempts, a...)
	return nil
}

func (s *memStore) LoadGuardrails(context.Context, string, string) ([]domain.Guardrail, error) {
	return s.guardrails, nil
}

func (s *memStore) LoadSessionBaseline(context.Context, string) (*domain.Baseline, error) {
	return s.baseline, nil
}

func (s *memStore) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// writeOnlyStore прячет GetExecution: хранилище, которое не умеет читать исполнения.
type writeOnlyStore struct {
	Persister
}

// alertLog - AlertSink, который просто копит алерты.
type alertLog struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (l *alertLog) Raise(a domain.Alert) {
	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	l.mu.Unlock()
}

func (l *alertLog) Kinds() []domain.AlertKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.AlertKind
	for _, a := range l.alerts {
		out = append(out, a.Kind)
	}
	return out
}

// stubCheck отдает заданную оценку или висит до отмены контекста.
type stubCheck struct {
	kind   domain.CheckType
	score  *float64
	passed bool
	hang   bool
}

func (s stubCheck) Type() domain.CheckType { return s.kind }

func (s stubCheck) Run(ctx context.Context, _ checks.Input) (checks.Finding, error) {
	if s.hang {
		<-ctx.Done()
		return checks.Finding{}, ctx.Err()
	}
	return checks.Finding{Score: s.score, Passed: s.passed}, nil
}

// scriptedVerifier отдает заранее заданные Outcome по очереди, последний повторяется.
type scriptedVerifier struct {
	mu       sync.Mutex
	outcomes []Outcome
	seen     []string
}

func (v *scriptedVerifier) Verify(_ context.Context, in checks.Input) Outcome {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen = append(v.seen, in.Execution.Output)
	out := v.outcomes[0]
	if len(v.outcomes) > 1 {
		v.outcomes = v.outcomes[1:]
	}
	return out
}

func outcome(conf float64, action domain.Action) Outcome {
	return Outcome{Confidence: domain.Float(conf), Action: action}
}

func guardConfig(mut func(g *infra.GuardConfig)) Config {
	g := infra.DefaultGuardConfig()
	g.Mode = ModeSync
	if mut != nil {
		mut(&g)
	}
	return MustConfig(g)
}

func refundExec() domain.Execution {
	return domain.Execution{
		AgentID:     "support-bot",
		OrgID:       "org-1",
		Task:        "answer refund question",
		Input:       "how long do I have for a refund?",
		Output:      "The refund policy allows 45 days",
		GroundTruth: "Refunds within 30 days of purchase",
	}
}
