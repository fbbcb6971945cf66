package engine

/*
Файл orchestrator.go реализует Verification Orchestrator.

- Набор проверок определяется по контексту: schema, hallucination и drift всегда,
  coherence при наличии предыдущих ходов сессии, tool_loop при наличии вызовов
  инструментов, guardrails при подключенном эвалюаторе.
- Все проверки стартуют одновременно, каждая со своим таймаутом (checks.Runner).
- Общий дедлайн timeout_s: проверки, не успевшие к нему, записываются как упавшие,
  их горутины дальше не ждем.
- Если ни одна проверка не дала оценку, решение flag с confidence=nil (TotalFailure).
*/

import (
	"context"

	"github.com/xela07ax/spaceai-verifier/internal/checks"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const reasonDeadline = "verification deadline exceeded"

// Outcome - результат одной верификации.
type Outcome struct {
	Confidence   *float64
	Action       domain.Action
	Checks       []domain.CheckResult // В каноничном порядке типов
	Override     domain.Action        // Принудительное решение guardrails, пусто если нет
	TotalFailure bool                 // Ни одной оценки: сбой подсистемы проверок

	score *float64 // Неокругленный confidence, с ним сравниваются пороги
}

// decisive - значение, с которым сравниваются пороги.
func (o Outcome) decisive() *float64 {
	if o.score != nil {
		return o.score
	}
	return o.Confidence
}

// Verifier - то, через что каскад перепроверяет исправленный выход.
type Verifier interface {
	Verify(ctx context.Context, in checks.Input) Outcome
}

type Orchestrator struct {
	registry *checks.Registry
	runner   *checks.Runner
	cfg      Config
	metrics  *Metrics
	logger   *zap.Logger
}

func NewOrchestrator(registry *checks.Registry, cfg Config, metrics *Metrics, logger *zap.Logger) *Orchestrator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Orchestrator{
		registry: registry,
		runner:   checks.NewRunner(cfg.CheckTimeout(), logger),
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.Named("orchestrator"),
	}
}

// Applicable - проверки, которые имеет смысл запускать для этого входа.
func (o *Orchestrator) Applicable(in checks.Input) []domain.CheckType {
	var out []domain.CheckType
	for _, t := range o.registry.Types() {
		switch t {
		case domain.CheckCoherence:
			if len(in.Window) == 0 {
				continue
			}
		case domain.CheckToolLoop:
			if len(in.Execution.ToolCalls()) == 0 {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

type indexed struct {
	i   int
	res domain.CheckResult
}

// Verify запускает проверки параллельно и сводит их в решение. Никогда не возвращает ошибку:
// любой сбой проверки уже превращен в CheckResult.
func (o *Orchestrator) Verify(ctx context.Context, in checks.Input) Outcome {
	ctx, span := otel.Tracer("verifier").Start(ctx, "verify")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout())
	defer cancel()

	types := o.Applicable(in)
	results := make([]domain.CheckResult, len(types))
	done := make([]bool, len(types))

	// Буфер на все проверки: опоздавшие горутины допишут и завершатся сами
	ch := make(chan indexed, len(types))
	for i, t := range types {
		c, _ := o.registry.Get(t)
		go func(i int, c checks.Check) {
			ch <- indexed{i: i, res: o.runner.Run(ctx, c, in)}
		}(i, c)
	}

	received := 0
wait:
	for received < len(types) {
		select {
		case r := <-ch:
			results[r.i] = r.res
			done[r.i] = true
			received++
		case <-ctx.Done():
			break wait
		}
	}
	for i, t := range types {
		if !done[i] {
			results[i] = checks.FailedResult(in.Execution.ID, t, reasonDeadline)
		}
	}

	out := Outcome{Checks: results, Override: override(results)}
	out.score = rawConfidence(results, o.cfg)
	out.Confidence = Confidence(results, o.cfg)
	out.TotalFailure = out.score == nil
	out.Action = Decide(out.score, o.cfg.Thresholds(), out.Override)

	for _, r := range results {
		o.metrics.CheckDuration.WithLabelValues(string(r.CheckType)).Observe(float64(r.DurationMs) / 1000)
		if r.Failed() {
			o.metrics.CheckFailures.WithLabelValues(string(r.CheckType)).Inc()
		}
	}
	span.SetAttributes(
		attribute.String("action", string(out.Action)),
		attribute.Int("checks", len(results)),
	)
	if out.TotalFailure {
		o.logger.Error("no check produced a score",
			zap.String("execution_id", in.Execution.ID),
			zap.Int("checks", len(results)))
	}
	return out
}
