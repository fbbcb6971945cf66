package checks

import (
	"context"
	"strings"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// Пороги пересечения терминов для hallucination.
const (
	supportCoverage   = 0.5  // Доля терминов утверждения, найденных в фактах
	numericTopicMatch = 0.25 // Достаточно общей темы, чтобы сравнивать числа
	polarityMatch     = 0.5  // Для смены полярности нужно сильное совпадение
)

// HallucinationCheck сверяет утверждения выхода с ground truth.
// score = доля подтвержденных утверждений (обратная доля неподтвержденных).
type HallucinationCheck struct{}

func NewHallucinationCheck() *HallucinationCheck { return &HallucinationCheck{} }

func (c *HallucinationCheck) Type() domain.CheckType { return domain.CheckHallucination }

func (c *HallucinationCheck) Run(ctx context.Context, in Input) (Finding, error) {
	if strings.TrimSpace(in.Execution.GroundTruth) == "" {
		return Finding{Passed: true, Details: map[string]any{"skipped": "no ground truth"}}, nil
	}

	facts := extractClaims(in.Execution.GroundTruth)
	claims := extractClaims(in.Execution.Output)
	if len(claims) == 0 || len(facts) == 0 {
		return Finding{Passed: true, Details: map[string]any{"skipped": "no checkable claims"}}, nil
	}

	all := make(map[string]struct{})
	for _, f := range facts {
		for t := range f.Terms {
			all[t] = struct{}{}
		}
	}

	var (
		supported    int
		contradicted []string
		unsupported  []string
	)
	for _, cl := range claims {
		if err := ctx.Err(); err != nil {
			return Finding{}, err
		}
		if reason := contradiction(cl, facts); reason != "" {
			contradicted = append(contradicted, cl.Text+" ("+reason+")")
			continue
		}
		if coverage(cl.Terms, all) >= supportCoverage {
			supported++
			continue
		}
		unsupported = append(unsupported, cl.Text)
	}

	score := round3(float64(supported) / float64(len(claims)))
	details := map[string]any{
		"claims":    len(claims),
		"supported": supported,
	}
	if len(contradicted) > 0 {
		details["contradicted"] = contradicted
	}
	if len(unsupported) > 0 {
		details["unsupported"] = unsupported
	}
	return Finding{Score: &score, Passed: score >= 0.5, Details: details}, nil
}

// contradiction ищет факт на ту же тему, который противоречит утверждению.
func contradiction(cl claim, facts []claim) string {
	for _, f := range facts {
		overlap := coverage(cl.Terms, f.Terms)
		if overlap >= numericTopicMatch && disjointNumbers(cl.Numbers, f.Numbers) {
			return "numbers differ from: " + f.Text
		}
		if overlap >= polarityMatch && cl.Negated != f.Negated {
			return "negates: " + f.Text
		}
	}
	return ""
}

// SplitSupported делит предложения выхода на подтвержденные ground truth и остальные.
// Предложения без значимых слов считаются нейтральными и остаются.
func SplitSupported(output, groundTruth string) (kept, dropped []string) {
	facts := extractClaims(groundTruth)
	all := make(map[string]struct{})
	for _, f := range facts {
		for t := range f.Terms {
			all[t] = struct{}{}
		}
	}
	for _, sent := range sentences(output) {
		cls := extractClaims(sent)
		if len(cls) == 0 {
			kept = append(kept, sent)
			continue
		}
		cl := cls[0]
		if contradiction(cl, facts) == "" && coverage(cl.Terms, all) >= supportCoverage {
			kept = append(kept, sent)
		} else {
			dropped = append(dropped, sent)
		}
	}
	return kept, dropped
}
