package checks

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// Input - неизменяемый снимок контекста исполнения для одной проверки.
// Каждая проверка получает свою копию, общих изменяемых данных нет.
type Input struct {
	Execution  domain.Execution
	Window     []domain.Turn // Предыдущие ходы сессии, без текущего
	Baseline   *domain.Baseline
	Guardrails []domain.Guardrail
}

// snapshot делает глубокую копию, чтобы проверки не могли повлиять друг на друга.
func (in Input) snapshot() Input {
	out := Input{
		Execution:  in.Execution.Clone(),
		Window:     append([]domain.Turn(nil), in.Window...),
		Guardrails: append([]domain.Guardrail(nil), in.Guardrails...),
	}
	if in.Baseline != nil {
		b := *in.Baseline
		b.TermWeights = make(map[string]float64, len(in.Baseline.TermWeights))
		for k, v := range in.Baseline.TermWeights {
			b.TermWeights[k] = v
		}
		b.TaskKeywords = append([]string(nil), in.Baseline.TaskKeywords...)
		out.Baseline = &b
	}
	return out
}

// Finding - то, что возвращает сама проверка. Id, длительность и тип проставляет Runner.
type Finding struct {
	Score   *float64
	Passed  bool
	Details map[string]any
}

// Check - одна проверка. Набор реализаций закрыт и собирается в Registry при старте.
type Check interface {
	Type() domain.CheckType
	Run(ctx context.Context, in Input) (Finding, error)
}

// Registry - фиксированное отображение check_type -> реализация.
type Registry struct {
	byType map[domain.CheckType]Check
}

func NewRegistry(list ...Check) (*Registry, error) {
	r := &Registry{byType: make(map[domain.CheckType]Check, len(list))}
	for _, c := range list {
		if _, dup := r.byType[c.Type()]; dup {
			return nil, fmt.Errorf("check %q registered twice", c.Type())
		}
		r.byType[c.Type()] = c
	}
	return r, nil
}

// Get возвращает реализацию по типу.
func (r *Registry) Get(t domain.CheckType) (Check, bool) {
	c, ok := r.byType[t]
	return c, ok
}

// Types - зарегистрированные типы в каноничном порядке.
func (r *Registry) Types() []domain.CheckType {
	var out []domain.CheckType
	for _, t := range domain.CheckTypes {
		if _, ok := r.byType[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Options - настройки стандартного набора проверок.
type Options struct {
	ToolLoopThreshold int
	Evaluator         GuardrailEvaluator // nil = guardrails-проверка не регистрируется
}

// DefaultRegistry собирает все шесть проверок.
func DefaultRegistry(opts Options) *Registry {
	list := []Check{
		NewSchemaCheck(),
		NewHallucinationCheck(),
		NewDriftCheck(),
		NewCoherenceCheck(),
		NewToolLoopCheck(opts.ToolLoopThreshold),
	}
	if opts.Evaluator != nil {
		list = append(list, NewGuardrailsCheck(opts.Evaluator))
	}
	r, err := NewRegistry(list...)
	if err != nil {
		// Типы выше уникальны, сюда попасть нельзя
		panic(err)
	}
	return r
}
