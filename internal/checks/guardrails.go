package checks

import (
	"context"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// GuardrailEvaluator - вычислитель пользовательских правил (реализация в пакете guardrail).
type GuardrailEvaluator interface {
	Evaluate(ctx context.Context, exec domain.Execution, rules []domain.Guardrail) (domain.CheckResult, error)
}

// GuardrailsCheck делегирует оценку правил вычислителю. Своей оценки не дает,
// на решение влияет только через override в details.
type GuardrailsCheck struct {
	evaluator GuardrailEvaluator
}

func NewGuardrailsCheck(e GuardrailEvaluator) *GuardrailsCheck {
	return &GuardrailsCheck{evaluator: e}
}

func (c *GuardrailsCheck) Type() domain.CheckType { return domain.CheckGuardrails }

func (c *GuardrailsCheck) Run(ctx context.Context, in Input) (Finding, error) {
	res, err := c.evaluator.Evaluate(ctx, in.Execution, in.Guardrails)
	if err != nil {
		return Finding{}, err
	}
	return Finding{Score: res.Score, Passed: res.Passed, Details: res.Details}, nil
}
