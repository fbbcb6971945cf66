package correction

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// Request — все, что нужно корректору для одной ступени каскада.
type Request struct {
	Layer domain.Layer
	// Снимок исполнения. Output - последний проверенный выход: исходный на первой ступени,
	// выход предыдущей попытки на следующих. Checks и Feedback описывают именно его.
	Execution      domain.Execution
	OriginalOutput string               // Выход агента до каскада
	Checks         []domain.CheckResult // Проверки Execution.Output
	Feedback       []string             // Человекочитаемые проблемы, см. Feedback

	Guardrails []domain.Guardrail // Правила, с которыми проверялось исполнение

	// Rerun — повторный запуск агента с дополненным промптом (есть только у SDK-обертки).
	Rerun func(ctx context.Context, prompt string) (string, error)
}

// Corrector выдает исправленный выход для ступени каскада. Ошибка означает неудачную попытку,
// каскад ее записывает и поднимается на следующую ступень.
type Corrector interface {
	Correct(ctx context.Context, req Request) (string, error)
}

// CorrectorFunc позволяет передать функцию как Corrector.
type CorrectorFunc func(ctx context.Context, req Request) (string, error)

func (f CorrectorFunc) Correct(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Feedback превращает упавшие проверки в список замечаний для корректора.
// Проверки, которые сами не выполнились, замечаний не дают.
func Feedback(results []domain.CheckResult) []string {
	var out []string
	for _, r := range results {
		if r.Passed || r.Failed() {
			continue
		}
		switch r.CheckType {
		case domain.CheckSchema:
			out = append(out, fmt.Sprintf("Output is structurally invalid: %v", r.Details["violation"]))
		case domain.CheckHallucination:
			for _, c := range stringList(r.Details["contradicted"]) {
				out = append(out, "Claim contradicts the facts: "+c)
			}
			for _, c := range stringList(r.Details["unsupported"]) {
				out = append(out, "Claim is not supported by the facts: "+c)
			}
		case domain.CheckCoherence:
			out = append(out, "Output contradicts earlier turns of the conversation")
		case domain.CheckDrift:
			out = append(out, "Output drifts away from the agent's usual task")
		case domain.CheckToolLoop:
			out = append(out, "Agent repeated the same tool calls in a loop")
		case domain.CheckGuardrails:
			for _, f := range firedList(r.Details["fired"]) {
				out = append(out, fmt.Sprintf("Violates rule %q: %v", f["name"], f["reason"]))
			}
		}
	}
	sort.Strings(out)
	return out
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, s := range t {
			out = append(out, fmt.Sprint(s))
		}
		return out
	}
	return nil
}

func firedList(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		var out []map[string]any
		for _, m := range t {
			if mm, ok := m.(map[string]any); ok {
				out = append(out, mm)
			}
		}
		return out
	}
	return nil
}

func bullets(items []string) string {
	if len(items) == 0 {
		return "- (no specific findings)"
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(it)
	}
	return b.String()
}
