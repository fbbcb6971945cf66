package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-verifier/internal/checks"
	"github.com/xela07ax/spaceai-verifier/internal/correction"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
	"github.com/xela07ax/spaceai-verifier/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Persister - внешнее хранилище результатов. Единственные исходящие вызовы ядра.
type Persister interface {
	SaveExecution(ctx context.Context, exec domain.Execution) error
	SaveCheckResults(ctx context.Context, results []domain.CheckResult) error
	SaveCorrectionAttempts(ctx context.Context, attempts []domain.CorrectionAttempt) error
	LoadGuardrails(ctx context.Context, orgID, agentID string) ([]domain.Guardrail, error)
	LoadSessionBaseline(ctx context.Context, agentID string) (*domain.Baseline, error)
}

// ExecutionLookup - необязательная возможность хранилища: чтение уже записанного исполнения.
// Через нее повторный Process с тем же id отдает сохраненное решение.
type ExecutionLookup interface {
	GetExecution(ctx context.Context, orgID, id string) (*domain.ExecutionDetail, error)
}

// BaselineLoader - источник базовых линий (хранилище или кэш Redis перед ним).
type BaselineLoader interface {
	LoadSessionBaseline(ctx context.Context, agentID string) (*domain.Baseline, error)
}

// AlertSink принимает системные алерты. Не блокирует.
type AlertSink interface {
	Raise(a domain.Alert)
}

// Deps - зависимости пайплайна. Store обязателен, остальное имеет разумную замену.
type Deps struct {
	Store      Persister
	Guardrails guardrail.Loader     // По умолчанию Store
	Baselines  BaselineLoader       // По умолчанию Store
	Evaluator  *guardrail.Evaluator // nil = без guardrails
	Corrector  correction.Corrector // nil = каскад недоступен
	Checks     *checks.Registry     // nil = стандартный набор
	Tracker    *session.Tracker
	Alerts     AlertSink
	Metrics    *Metrics
}

// ProcessOptions - то, что известно только вызывающему коду.
type ProcessOptions struct {
	// Rerun повторно запускает агента с новым промптом (уровень full_reprompt).
	Rerun func(ctx context.Context, prompt string) (string, error)
}

// Result - полный результат пайплайна по одному исполнению.
type Result struct {
	Execution domain.Execution
	Checks    []domain.CheckResult
	Attempts  []domain.CorrectionAttempt
	Cascade   domain.CascadeStatus
	Replayed  bool // Исполнение с этим id уже было проверено, отдано сохраненное решение
}

// Pipeline - верификация, коррекция, учет сессии и запись результатов одного исполнения.
type Pipeline struct {
	cfg          Config
	orchestrator *Orchestrator
	cascade      *Cascade
	store        Persister
	guardrails   guardrail.Loader
	baselines    BaselineLoader
	tracker      *session.Tracker
	alerts       AlertSink
	metrics      *Metrics
	logger       *zap.Logger
}

func NewPipeline(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Guardrails == nil {
		deps.Guardrails = deps.Store
	}
	if deps.Baselines == nil {
		deps.Baselines = deps.Store
	}
	if deps.Tracker == nil {
		deps.Tracker = session.NewTracker(cfg.WindowSize(), logger)
	}
	if deps.Alerts == nil {
		deps.Alerts = discardAlerts{}
	}

	if deps.Checks == nil {
		opts := checks.Options{ToolLoopThreshold: cfg.ToolLoopThreshold()}
		if deps.Evaluator != nil {
			opts.Evaluator = deps.Evaluator
		}
		deps.Checks = checks.DefaultRegistry(opts)
	}
	orch := NewOrchestrator(deps.Checks, cfg, deps.Metrics, logger)

	p := &Pipeline{
		cfg:          cfg,
		orchestrator: orch,
		store:        deps.Store,
		guardrails:   deps.Guardrails,
		baselines:    deps.Baselines,
		tracker:      deps.Tracker,
		alerts:       deps.Alerts,
		metrics:      deps.Metrics,
		logger:       logger.Named("pipeline"),
	}
	if cfg.CorrectionEnabled() {
		if deps.Corrector == nil {
			return nil, errors.New("pipeline: correction=cascade requires a corrector")
		}
		p.cascade = NewCascade(deps.Corrector, orch, cfg, deps.Metrics, logger)
	}
	return p, nil
}

func (p *Pipeline) Config() Config            { return p.cfg }
func (p *Pipeline) Tracker() *session.Tracker { return p.tracker }

// Process прогоняет исполнение через весь пайплайн. Ошибка только для некорректного входа:
// сбои проверок, коррекции и записи превращаются в решение и алерты.
func (p *Pipeline) Process(ctx context.Context, exec domain.Execution, opts ProcessOptions) (Result, error) {
	if strings.TrimSpace(exec.AgentID) == "" {
		return Result{}, errors.New("pipeline: agent_id is required")
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	} else if res, ok := p.replay(ctx, exec); ok {
		return res, nil
	}
	if exec.Timestamp.IsZero() {
		exec.Timestamp = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = domain.ExecutionSuccess
	}
	// Поля решения выставляет только пайплайн
	exec.Action, exec.Confidence, exec.Corrected, exec.OriginalOutput, exec.SequenceNumber = "", nil, false, nil, nil

	ctx, span := otel.Tracer("verifier").Start(ctx, "pipeline", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("execution_id", exec.ID),
		attribute.String("agent_id", exec.AgentID),
		attribute.String("trace_id", extractTraceID(ctx)),
	)

	in := checks.Input{Execution: exec}
	in.Guardrails = p.loadGuardrails(ctx, exec)
	in.Baseline = p.loadBaseline(ctx, exec)

	var res Result
	if exec.SessionID == "" {
		res = p.run(ctx, in, opts)
	} else {
		// Окно читается, проверяется и дополняется под блокировкой сессии
		_ = p.tracker.WithSession(exec.SessionID, exec.AgentID, func(s *session.Session) error {
			in.Window = s.Window()
			res = p.run(ctx, in, opts)
			seq := s.Append(domain.Turn{
				ExecutionID: res.Execution.ID,
				Input:       res.Execution.Input,
				Output:      res.Execution.Output,
				Action:      res.Execution.Action,
			})
			res.Execution.SequenceNumber = &seq
			return nil
		})
	}

	if err := p.persist(ctx, res); errors.Is(err, domain.ErrExecutionExists) {
		// Параллельный прогон с тем же id успел записаться первым
		if prev, ok := p.replay(ctx, exec); ok {
			return prev, nil
		}
	}
	p.observe(res)
	span.SetAttributes(attribute.String("action", string(res.Execution.Action)))
	return res, nil
}

// run - верификация и (если нужно) каскад, без побочных эффектов на хранилище.
func (p *Pipeline) run(ctx context.Context, in checks.Input, opts ProcessOptions) Result {
	exec := in.Execution
	outcome := p.orchestrator.Verify(ctx, in)
	exec.Confidence = outcome.Confidence
	exec.Action = outcome.Action

	if outcome.TotalFailure {
		p.raise(exec, domain.AlertVerificationFailed, domain.SeverityError,
			"no verification check produced a score; action defaulted to flag",
			map[string]any{"checks": failureReasons(outcome.Checks)})
	}

	res := Result{Execution: exec, Checks: outcome.Checks, Cascade: domain.CascadeSkipped}
	if p.cascade == nil || exec.Action == domain.ActionPass {
		return res
	}

	cr := p.cascade.Run(ctx, in, outcome, opts.Rerun)
	res.Attempts = cr.Attempts
	res.Cascade = cr.Status
	switch cr.Status {
	case domain.CascadeSucceeded:
		if err := res.Execution.MarkCorrected(cr.FinalOutput, cr.Final.Confidence, cr.Final.Action); err != nil {
			// Каскад не отдает неизмененный выход, сюда попадать не должны
			p.logger.Error("failed to apply correction", zap.String("execution_id", exec.ID), zap.Error(err))
			break
		}
		res.Checks = cr.Final.Checks
	case domain.CascadeExhausted:
		p.raise(exec, domain.AlertCascadeExhausted, domain.SeverityWarning,
			fmt.Sprintf("correction cascade exhausted after %d attempts", len(cr.Attempts)),
			map[string]any{"action": string(exec.Action)})
	}
	return res
}

func (p *Pipeline) loadGuardrails(ctx context.Context, exec domain.Execution) []domain.Guardrail {
	if _, ok := p.orchestrator.registry.Get(domain.CheckGuardrails); !ok {
		return nil
	}
	rules, err := p.guardrails.LoadGuardrails(ctx, exec.OrgID, exec.AgentID)
	if err != nil {
		p.logger.Warn("failed to load guardrails",
			zap.String("org_id", exec.OrgID),
			zap.String("agent_id", exec.AgentID),
			zap.Error(err))
		return nil
	}
	return rules
}

func (p *Pipeline) loadBaseline(ctx context.Context, exec domain.Execution) *domain.Baseline {
	b, err := p.baselines.LoadSessionBaseline(ctx, exec.AgentID)
	if err != nil {
		p.logger.Warn("failed to load baseline", zap.String("agent_id", exec.AgentID), zap.Error(err))
		return nil
	}
	return b
}

// replay отдает сохраненный результат исполнения с тем же id, если хранилище умеет его читать.
func (p *Pipeline) replay(ctx context.Context, exec domain.Execution) (Result, bool) {
	lookup, ok := p.store.(ExecutionLookup)
	if !ok {
		return Result{}, false
	}
	d, err := lookup.GetExecution(ctx, exec.OrgID, exec.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrExecutionNotFound) {
			p.logger.Warn("failed to look up execution", zap.String("execution_id", exec.ID), zap.Error(err))
		}
		return Result{}, false
	}

	res := Result{Execution: d.Execution, Checks: d.Checks, Attempts: d.Attempts, Replayed: true}
	switch {
	case len(d.Attempts) == 0:
		res.Cascade = domain.CascadeSkipped
	case d.Corrected:
		res.Cascade = domain.CascadeSucceeded
	default:
		res.Cascade = domain.CascadeExhausted
	}
	p.metrics.Replays.Inc()
	p.logger.Info("execution already verified, replaying stored decision",
		zap.String("execution_id", exec.ID),
		zap.String("action", string(d.Action)))
	return res, true
}

// persist пишет проверки и попытки раньше исполнения: читатель не увидит решение
// без полного набора проверок. Ошибки записи не отменяют решение.
// Повтор id не перезаписывает сохраненное решение и возвращается как ErrExecutionExists.
func (p *Pipeline) persist(ctx context.Context, res Result) error {
	// Запись доводим до конца даже при отмене запроса
	ctx = context.WithoutCancel(ctx)

	results := make([]domain.CheckResult, len(res.Checks))
	for i, r := range res.Checks {
		r.ExecutionID = res.Execution.ID
		results[i] = r
	}

	steps := []struct {
		op  string
		run func() error
	}{
		{"check_results", func() error { return p.store.SaveCheckResults(ctx, results) }},
		{"correction_attempts", func() error {
			if len(res.Attempts) == 0 {
				return nil
			}
			return p.store.SaveCorrectionAttempts(ctx, res.Attempts)
		}},
		{"execution", func() error { return p.store.SaveExecution(ctx, res.Execution) }},
	}
	for _, s := range steps {
		err := s.run()
		if errors.Is(err, domain.ErrExecutionExists) {
			p.logger.Warn("execution already persisted, keeping stored decision",
				zap.String("execution_id", res.Execution.ID))
			return err
		}
		if err != nil {
			p.metrics.PersistErrors.WithLabelValues(s.op).Inc()
			p.logger.Error("failed to persist results",
				zap.String("op", s.op),
				zap.String("execution_id", res.Execution.ID),
				zap.Error(err))
			p.raise(res.Execution, domain.AlertPersistFailed, domain.SeverityCritical,
				fmt.Sprintf("failed to persist %s", s.op), map[string]any{"error": err.Error()})
			// Без проверок исполнение не пишем
			return err
		}
	}
	return nil
}

func (p *Pipeline) observe(res Result) {
	e := res.Execution
	p.metrics.Verifications.WithLabelValues(string(e.Action), fmt.Sprint(e.Corrected)).Inc()
	if e.Confidence != nil {
		p.metrics.Confidence.Observe(*e.Confidence)
	}
	for _, r := range res.Checks {
		if r.CheckType != domain.CheckGuardrails {
			continue
		}
		for _, f := range firedRules(r) {
			p.metrics.GuardrailFires.WithLabelValues(f).Inc()
		}
	}
	if e.Action == domain.ActionBlock {
		p.raise(e, domain.AlertExecutionBlocked, domain.SeverityWarning, "execution blocked", nil)
	}
}

func (p *Pipeline) raise(e domain.Execution, kind domain.AlertKind, sev domain.AlertSeverity, msg string, details map[string]any) {
	p.metrics.Alerts.WithLabelValues(string(kind)).Inc()
	p.alerts.Raise(domain.Alert{
		ID:          uuid.NewString(),
		OrgID:       e.OrgID,
		AgentID:     e.AgentID,
		ExecutionID: e.ID,
		Kind:        kind,
		Severity:    sev,
		Message:     msg,
		Details:     details,
		Timestamp:   time.Now().UTC(),
	})
}

func failureReasons(results []domain.CheckResult) map[string]any {
	out := make(map[string]any, len(results))
	for _, r := range results {
		out[string(r.CheckType)] = r.Details[domain.DetailError]
	}
	return out
}

// firedRules - actions сработавших правил.
func firedRules(r domain.CheckResult) []string {
	var out []string
	switch fired := r.Details["fired"].(type) {
	case []map[string]any:
		for _, f := range fired {
			out = append(out, fmt.Sprint(f["action"]))
		}
	case []any:
		for _, f := range fired {
			if m, ok := f.(map[string]any); ok {
				out = append(out, fmt.Sprint(m["action"]))
			}
		}
	}
	return out
}

type discardAlerts struct{}

func (discardAlerts) Raise(domain.Alert) {}
