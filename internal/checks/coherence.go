package checks

import (
	"context"
	"strconv"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

const (
	coherencePolarity = 0.5 // jaccard для "то же утверждение с другим знаком"
	coherenceNumeric  = 0.6 // coverage для "то же утверждение с другими числами"
)

// CoherenceCheck ищет противоречия текущего выхода с предыдущими ходами сессии.
type CoherenceCheck struct{}

func NewCoherenceCheck() *CoherenceCheck { return &CoherenceCheck{} }

func (c *CoherenceCheck) Type() domain.CheckType { return domain.CheckCoherence }

func (c *CoherenceCheck) Run(ctx context.Context, in Input) (Finding, error) {
	if len(in.Window) == 0 {
		return Finding{Passed: true, Details: map[string]any{"skipped": "no prior turns"}}, nil
	}

	current := extractClaims(in.Execution.Output)
	if len(current) == 0 {
		return Finding{Passed: true, Details: map[string]any{"skipped": "no checkable claims"}}, nil
	}

	var conflicts []map[string]any
	contradicted := 0
	for _, cl := range current {
		if err := ctx.Err(); err != nil {
			return Finding{}, err
		}
		hit := false
		// От свежих ходов к старым: важнее свежее противоречие
		for i := len(in.Window) - 1; i >= 0 && !hit; i-- {
			turn := in.Window[i]
			for _, prev := range extractClaims(turn.Output) {
				reason := conflict(cl, prev)
				if reason == "" {
					continue
				}
				conflicts = append(conflicts, map[string]any{
					"claim":    cl.Text,
					"previous": prev.Text,
					"turn":     strconv.FormatInt(turn.Sequence, 10),
					"reason":   reason,
				})
				hit = true
				break
			}
		}
		if hit {
			contradicted++
		}
	}

	score := round3(1 - float64(contradicted)/float64(len(current)))
	details := map[string]any{
		"claims":       len(current),
		"prior_turns":  len(in.Window),
		"contradicted": contradicted,
	}
	if len(conflicts) > 0 {
		details["conflicts"] = conflicts
	}
	return Finding{Score: &score, Passed: contradicted == 0, Details: details}, nil
}

func conflict(a, b claim) string {
	if jaccard(a.Terms, b.Terms) >= coherencePolarity && a.Negated != b.Negated {
		return "negation"
	}
	if coverage(a.Terms, b.Terms) >= coherenceNumeric && disjointNumbers(a.Numbers, b.Numbers) {
		return "numeric"
	}
	return ""
}
