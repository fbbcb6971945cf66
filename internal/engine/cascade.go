package engine

/*
Файл cascade.go реализует Correction Cascade — конечный автомат коррекции.

Состояния: repair(1) -> constrained_regen(2) -> full_reprompt(3) и два терминальных:
succeeded и exhausted. Стартовый уровень зависит от решения: flag -> 1, block -> 2.
Переходы только вверх, поэтому попыток не больше трех, а уровни строго растут.

Каждая попытка:
  - ограничена attempt_timeout и общим timeout_s каскада;
  - после генерации обязательно перепроверяется тем же Verifier;
  - при ошибке или неудачной перепроверке записывается с success=false и каскад
    поднимается на следующий уровень.
Истечение timeout_s обрывает текущую попытку, уже сделанные сохраняются, итог exhausted.
*/

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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var errUnchanged = errors.New("correction produced no change")

type cascadeState int

const (
	stateRepair                        = cascadeState(domain.LayerRepair)
	stateConstrainedRegen              = cascadeState(domain.LayerConstrainedRegen)
	stateFullReprompt                  = cascadeState(domain.LayerFullReprompt)
	stateSucceeded        cascadeState = 10
	stateExhausted        cascadeState = 11
)

// next - переход после неудачной попытки.
func (s cascadeState) next() cascadeState {
	switch s {
	case stateRepair:
		return stateConstrainedRegen
	case stateConstrainedRegen:
		return stateFullReprompt
	default:
		return stateExhausted
	}
}

// startState выбирает уровень по тяжести решения.
func startState(a domain.Action) cascadeState {
	if a == domain.ActionBlock {
		return stateConstrainedRegen
	}
	return stateRepair
}

// CascadeResult - итог каскада.
type CascadeResult struct {
	Status      domain.CascadeStatus
	Attempts    []domain.CorrectionAttempt
	FinalOutput string  // Выход успешной попытки, при exhausted исходный выход
	Final       Outcome // Перепроверка успешной попытки, при exhausted исходный Outcome
}

type Cascade struct {
	corrector correction.Corrector
	verifier  Verifier
	cfg       Config
	metrics   *Metrics
	logger    *zap.Logger
}

func NewCascade(corrector correction.Corrector, verifier Verifier, cfg Config, metrics *Metrics, logger *zap.Logger) *Cascade {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Cascade{
		corrector: corrector,
		verifier:  verifier,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.Named("cascade"),
	}
}

// Run проводит исполнение через каскад. initial — результат первичной верификации.
func (c *Cascade) Run(ctx context.Context, in checks.Input, initial Outcome, rerun func(context.Context, string) (string, error)) CascadeResult {
	res := CascadeResult{
		Status:      domain.CascadeSkipped,
		FinalOutput: in.Execution.Output,
		Final:       initial,
	}
	if initial.Action == domain.ActionPass {
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	// Вход очередной ступени: выход и проверки, которые его описывают
	last, lastOutput := initial, in.Execution.Output
	state := startState(initial.Action)
	for state != stateSucceeded && state != stateExhausted {
		if ctx.Err() != nil {
			c.logger.Warn("cascade timed out",
				zap.String("execution_id", in.Execution.ID),
				zap.Int("attempts", len(res.Attempts)))
			state = stateExhausted
			break
		}
		// Жесткий предел, автомат его и так не превышает
		if len(res.Attempts) >= domain.MaxCorrectionAttempts {
			state = stateExhausted
			break
		}

		attempt, output, outcome := c.attempt(ctx, domain.Layer(state), in, last, lastOutput, rerun)
		res.Attempts = append(res.Attempts, attempt)
		c.metrics.CascadeAttempts.WithLabelValues(attempt.LayerName, fmt.Sprint(attempt.Success)).Inc()

		if attempt.Success {
			res.FinalOutput = output
			res.Final = *outcome
			state = stateSucceeded
			break
		}
		if outcome != nil {
			last, lastOutput = *outcome, output
		}
		state = state.next()
	}

	if state == stateSucceeded {
		res.Status = domain.CascadeSucceeded
	} else {
		res.Status = domain.CascadeExhausted
	}
	c.metrics.CascadeOutcomes.WithLabelValues(string(res.Status)).Inc()
	return res
}

// attempt выполняет одну ступень. outcome != nil, если дошло до перепроверки.
// Корректор получает prev вместе с проверками last, которые описывают именно его.
func (c *Cascade) attempt(
	ctx context.Context,
	layer domain.Layer,
	in checks.Input,
	last Outcome,
	prev string,
	rerun func(context.Context, string) (string, error),
) (domain.CorrectionAttempt, string, *Outcome) {
	ctx, span := otel.Tracer("verifier").Start(ctx, "cascade.attempt")
	span.SetAttributes(attribute.String("layer", layer.Name()))
	defer span.End()

	start := time.Now()
	att := domain.CorrectionAttempt{
		ID:               uuid.NewString(),
		ExecutionID:      in.Execution.ID,
		Layer:            layer,
		LayerName:        layer.Name(),
		ConfidenceBefore: last.Confidence,
	}

	snapshot := in.Execution.Clone()
	snapshot.Output = prev

	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout())
	output, err := c.corrector.Correct(actx, correction.Request{
		Layer:          layer,
		Execution:      snapshot,
		OriginalOutput: in.Execution.Output,
		Checks:         last.Checks,
		Feedback:       correction.Feedback(last.Checks),
		Guardrails:     in.Guardrails,
		Rerun:          rerun,
	})
	cancel()
	if err == nil && (strings.TrimSpace(output) == "" || output == prev || output == in.Execution.Output) {
		err = errUnchanged
	}
	if err != nil {
		att.ActionTaken = "correction failed"
		att.Error = err.Error()
		c.logger.Info("correction attempt failed",
			zap.String("execution_id", in.Execution.ID),
			zap.String("layer", layer.Name()),
			zap.Error(err))
		return c.finish(att, start), "", nil
	}
	att.CorrectedOutput = domain.String(output)

	// Перепроверка обязательна: успех не предполагается по факту генерации
	rin := in
	rin.Execution = in.Execution.Clone()
	rin.Execution.Output = output
	outcome := c.verifier.Verify(ctx, rin)
	att.ConfidenceAfter = outcome.Confidence

	bar := c.cfg.Thresholds().CorrectionBar()
	score := outcome.decisive()
	switch {
	case outcome.Override == domain.ActionBlock:
		att.ActionTaken = "re-verification: block guardrail fired"
	case score == nil:
		att.ActionTaken = "re-verification produced no score"
	case *score < bar:
		att.ActionTaken = fmt.Sprintf("re-verification: confidence %.3f below %.2f", *outcome.Confidence, bar)
	default:
		att.Success = true
		att.ActionTaken = fmt.Sprintf("re-verification passed with confidence %.3f", *outcome.Confidence)
	}
	span.SetAttributes(attribute.Bool("success", att.Success))
	return c.finish(att, start), output, &outcome
}

func (c *Cascade) finish(att domain.CorrectionAttempt, start time.Time) domain.CorrectionAttempt {
	att.LatencyMs = time.Since(start).Milliseconds()
	return att
}
