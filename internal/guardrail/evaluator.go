package guardrail

/*
Файл evaluator.go — вычислитель пользовательских правил.

Правило "срабатывает" по своему типу:
- regex: поиск шаблона в выходе;
- keyword: любое ключевое слово как подстрока;
- threshold: метрика исполнения сравнивается с лимитом;
- llm: решение внешнего судьи;
- tool_policy: deny — инструмент вызван хоть раз, allow — вызовов больше лимита.

Итог: passed только если ничего не сработало. Сработавшее block-правило дает override=block,
только flag-правила дают override=flag (решение оркестратора будет не мягче flag).
*/

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

type Evaluator struct {
	judge  Judge // nil = llm-правила не срабатывают и попадают в errors
	logger *zap.Logger

	mu      sync.RWMutex
	regexps map[string]*regexp.Regexp
}

func NewEvaluator(judge Judge, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		judge:   judge,
		logger:  logger.Named("guardrail"),
		regexps: make(map[string]*regexp.Regexp),
	}
}

// Applicable оставляет включенные правила организации, общие или адресованные агенту.
// Порядок стабильный (по id), чтобы повторный прогон давал те же details.
func Applicable(exec domain.Execution, rules []domain.Guardrail) []domain.Guardrail {
	var out []domain.Guardrail
	for _, g := range rules {
		if g.OrgID != "" && exec.OrgID != "" && g.OrgID != exec.OrgID {
			continue
		}
		if g.AppliesTo(exec.AgentID) {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evaluate прогоняет правила по исполнению и возвращает результат с check_type=guardrails.
// Оценки (score) нет: на решение правила влияют только через override.
func (e *Evaluator) Evaluate(ctx context.Context, exec domain.Execution, rules []domain.Guardrail) (domain.CheckResult, error) {
	start := time.Now()
	applicable := Applicable(exec, rules)

	fired := make([]map[string]any, 0)
	var errs []map[string]any
	override := domain.Action("")

	for _, g := range applicable {
		if err := ctx.Err(); err != nil {
			return domain.CheckResult{}, err
		}
		hit, reason, err := e.fires(ctx, g, exec)
		if err != nil {
			e.logger.Warn("guardrail evaluation failed",
				zap.String("guardrail_id", g.ID),
				zap.String("rule_type", string(g.RuleType)),
				zap.Error(err))
			errs = append(errs, map[string]any{"id": g.ID, "name": g.Name, "error": err.Error()})
			continue
		}
		if !hit {
			continue
		}
		fired = append(fired, map[string]any{
			"id":        g.ID,
			"name":      g.Name,
			"rule_type": string(g.RuleType),
			"action":    string(g.Action),
			"reason":    reason,
		})
		override = domain.Stricter(override, g.Action)
	}

	details := map[string]any{
		"evaluated": len(applicable),
		"fired":     fired,
	}
	if len(errs) > 0 {
		details["errors"] = errs
	}
	if override != "" {
		details[domain.DetailOverride] = override
	}

	return domain.CheckResult{
		ExecutionID: exec.ID,
		CheckType:   domain.CheckGuardrails,
		Passed:      len(fired) == 0,
		Details:     details,
		DurationMs:  time.Since(start).Milliseconds(),
	}, nil
}

func (e *Evaluator) fires(ctx context.Context, g domain.Guardrail, exec domain.Execution) (bool, string, error) {
	cond, err := ParseCondition(g.RuleType, g.Condition)
	if err != nil {
		return false, "", err
	}

	switch c := cond.(type) {
	case *RegexCondition:
		re, err := e.compile(c.Pattern, *c.IgnoreCase)
		if err != nil {
			return false, "", err
		}
		if re.MatchString(exec.Output) {
			return true, fmt.Sprintf("pattern %q matched", c.Pattern), nil
		}
		return false, "", nil

	case *KeywordCondition:
		text := exec.Output
		if !c.CaseSensitive {
			text = strings.ToLower(text)
		}
		for _, kw := range c.Keywords {
			needle := kw
			if !c.CaseSensitive {
				needle = strings.ToLower(kw)
			}
			if strings.Contains(text, needle) {
				return true, fmt.Sprintf("keyword %q present", kw), nil
			}
		}
		return false, "", nil

	case *ThresholdCondition:
		value := metric(exec, c.Metric)
		if compare(value, c.Operator, *c.Limit) {
			return true, fmt.Sprintf("%s=%g %s %g", c.Metric, value, c.Operator, *c.Limit), nil
		}
		return false, "", nil

	case *LLMCondition:
		if e.judge == nil {
			return false, "", fmt.Errorf("no judge configured for llm rule")
		}
		v, err := e.judge.Judge(ctx, c.Description, exec)
		if err != nil {
			return false, "", err
		}
		return v.Violated, v.Reason, nil

	case *ToolPolicyCondition:
		calls := 0
		for _, tc := range exec.ToolCalls() {
			if tc.Name == c.ToolName {
				calls++
			}
		}
		if c.Policy == "deny" && calls > 0 {
			return true, fmt.Sprintf("denied tool %q called %d time(s)", c.ToolName, calls), nil
		}
		if c.Policy == "allow" && calls > *c.MaxCallsPerExecution {
			return true, fmt.Sprintf("tool %q called %d time(s), limit %d", c.ToolName, calls, *c.MaxCallsPerExecution), nil
		}
		return false, "", nil
	}
	return false, "", fmt.Errorf("unsupported condition %T", cond)
}

func (e *Evaluator) compile(pattern string, ignoreCase bool) (*regexp.Regexp, error) {
	key := pattern
	if ignoreCase {
		key = "(?i)" + pattern
	}
	e.mu.RLock()
	re, ok := e.regexps[key]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(key)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.regexps[key] = re
	e.mu.Unlock()
	return re, nil
}

func metric(exec domain.Execution, name string) float64 {
	switch name {
	case MetricLatencyMs:
		return float64(exec.LatencyMs)
	case MetricTokenCount:
		return float64(exec.TokenCount)
	case MetricCostEstimate:
		return exec.CostEstimate
	case MetricOutputLength:
		return float64(utf8.RuneCountInString(exec.Output))
	case MetricToolCallCount:
		return float64(len(exec.ToolCalls()))
	}
	return 0
}

func compare(v float64, op string, limit float64) bool {
	switch op {
	case ">":
		return v > limit
	case ">=":
		return v >= limit
	case "<":
		return v < limit
	case "<=":
		return v <= limit
	case "==":
		return v == limit
	}
	return false
}
