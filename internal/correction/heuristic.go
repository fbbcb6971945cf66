package correction

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/xela07ax/spaceai-verifier/internal/checks"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
	"go.uber.org/zap"
)

const redacted = "[redacted]"

var (
	ErrNothingToRepair = errors.New("no deterministic repair applies")
	ErrNoRerun         = errors.New("full reprompt requires an agent rerun hook")
)

// HeuristicCorrector — корректор без LLM. Работает только с тем, что известно детерминированно:
// ground truth, JSON-схемой и сработавшими текстовыми правилами.
type HeuristicCorrector struct {
	logger *zap.Logger
}

func NewHeuristicCorrector(logger *zap.Logger) *HeuristicCorrector {
	return &HeuristicCorrector{logger: logger.Named("corrector")}
}

func (c *HeuristicCorrector) Correct(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch req.Layer {
	case domain.LayerRepair:
		return c.repair(req)
	case domain.LayerConstrainedRegen:
		return c.regenerate(req)
	case domain.LayerFullReprompt:
		if req.Rerun == nil {
			return "", ErrNoRerun
		}
		prompt, err := buildPrompt(req)
		if err != nil {
			return "", err
		}
		return req.Rerun(ctx, prompt)
	}
	return "", ErrNothingToRepair
}

// repair — минимальные правки: вырезать JSON, убрать неподтвержденные предложения, замазать совпадения правил.
func (c *HeuristicCorrector) repair(req Request) (string, error) {
	e := req.Execution
	out := e.Output

	if len(e.Schema) > 0 && !json.Valid([]byte(strings.TrimSpace(out))) {
		if js, ok := extractJSON(out); ok {
			out = js
		}
	}

	if e.GroundTruth != "" && failing(req.Checks, domain.CheckHallucination) {
		kept, dropped := checks.SplitSupported(out, e.GroundTruth)
		if len(dropped) > 0 && len(kept) > 0 {
			out = strings.Join(kept, ". ") + "."
		}
	}

	out = c.redact(out, req)

	if strings.TrimSpace(out) == "" || out == e.Output {
		return "", ErrNothingToRepair
	}
	return out, nil
}

// regenerate строит ответ заново из того, что заведомо верно.
func (c *HeuristicCorrector) regenerate(req Request) (string, error) {
	e := req.Execution
	if len(e.Schema) > 0 {
		if js, ok := extractJSON(e.Output); ok && js != e.Output {
			return js, nil
		}
	}
	if gt := strings.TrimSpace(e.GroundTruth); gt != "" {
		return c.redact(gt, req), nil
	}
	return "", ErrNothingToRepair
}

// redact заменяет совпадения сработавших regex- и keyword-правил.
func (c *HeuristicCorrector) redact(text string, req Request) string {
	fired := make(map[string]bool)
	for _, r := range req.Checks {
		if r.CheckType != domain.CheckGuardrails {
			continue
		}
		for _, f := range firedList(r.Details["fired"]) {
			if id, ok := f["id"].(string); ok {
				fired[id] = true
			}
		}
	}
	if len(fired) == 0 {
		return text
	}

	for _, g := range req.Guardrails {
		if !fired[g.ID] {
			continue
		}
		cond, err := guardrail.ParseCondition(g.RuleType, g.Condition)
		if err != nil {
			continue
		}
		switch cd := cond.(type) {
		case *guardrail.RegexCondition:
			pattern := cd.Pattern
			if *cd.IgnoreCase {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			text = re.ReplaceAllString(text, redacted)
		case *guardrail.KeywordCondition:
			for _, kw := range cd.Keywords {
				expr := regexp.QuoteMeta(kw)
				if !cd.CaseSensitive {
					expr = "(?i)" + expr
				}
				text = regexp.MustCompile(expr).ReplaceAllString(text, redacted)
			}
		default:
			c.logger.Debug("rule cannot be redacted", zap.String("guardrail_id", g.ID))
		}
	}
	return text
}

func failing(results []domain.CheckResult, t domain.CheckType) bool {
	for _, r := range results {
		if r.CheckType == t {
			return !r.Passed && !r.Failed()
		}
	}
	return false
}

// extractJSON ищет первый корректный JSON-объект или массив внутри текста.
func extractJSON(s string) (string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var v json.RawMessage
		if err := dec.Decode(&v); err == nil {
			return string(v), true
		}
	}
	return "", false
}
