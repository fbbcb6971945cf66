package checks

import (
	"context"
	"sort"
	"strings"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

const (
	DefaultToolLoopThreshold = 3
	maxCyclePeriod           = 4
)

// ToolLoopCheck ищет зацикливание инструментов в трассе одного исполнения:
// одинаковые вызовы (инструмент + каноничные аргументы) и повторяющиеся циклы вида A,B,A,B.
type ToolLoopCheck struct {
	threshold int
}

func NewToolLoopCheck(threshold int) *ToolLoopCheck {
	if threshold < 1 {
		threshold = DefaultToolLoopThreshold
	}
	return &ToolLoopCheck{threshold: threshold}
}

func (c *ToolLoopCheck) Type() domain.CheckType { return domain.CheckToolLoop }

func (c *ToolLoopCheck) Run(_ context.Context, in Input) (Finding, error) {
	calls := in.Execution.ToolCalls()
	if len(calls) == 0 {
		return Finding{Passed: true, Details: map[string]any{"skipped": "no tool calls"}}, nil
	}

	counts := make(map[string]int)
	keys := make([]string, len(calls))
	for i, call := range calls {
		keys[i] = call.Name + "(" + call.Args + ")"
		counts[keys[i]]++
	}

	excess := 0
	var repeated []string
	for k, n := range counts {
		if n > c.threshold {
			excess += n - c.threshold
			repeated = append(repeated, k)
		}
	}
	sort.Strings(repeated)

	start, period, reps := longestCycle(keys)
	details := map[string]any{
		"tool_calls": len(calls),
		"threshold":  c.threshold,
	}
	if len(repeated) > 0 {
		details["repeated"] = repeated
	}
	if period > 0 && reps > c.threshold {
		details["cycle"] = strings.Join(keys[start:start+period], " -> ")
		details["cycle_repetitions"] = reps
		if len(repeated) == 0 {
			excess += (reps - c.threshold) * period
		}
	}

	score := round3(clamp01(1 - float64(excess)/float64(len(calls))))
	return Finding{Score: &score, Passed: excess == 0, Details: details}, nil
}

// longestCycle находит самый длинный повторяющийся подряд цикл с периодом 2..maxCyclePeriod.
// Период 1 покрывается подсчетом одинаковых вызовов.
func longestCycle(keys []string) (start, period, reps int) {
	for p := 2; p <= maxCyclePeriod && 2*p <= len(keys); p++ {
		for from := 0; from+2*p <= len(keys); from++ {
			if uniform(keys[from : from+p]) {
				continue
			}
			n := 1
			for next := from + p; next+p <= len(keys) && sameRun(keys, from, next, p); next += p {
				n++
			}
			if n > reps {
				start, period, reps = from, p, n
			}
		}
	}
	if reps < 2 {
		return 0, 0, 0
	}
	return start, period, reps
}

func sameRun(keys []string, a, b, n int) bool {
	for i := 0; i < n; i++ {
		if keys[a+i] != keys[b+i] {
			return false
		}
	}
	return true
}

// uniform - все вызовы внутри окна одинаковые (это уже не цикл, а повтор).
func uniform(keys []string) bool {
	for _, k := range keys[1:] {
		if k != keys[0] {
			return false
		}
	}
	return true
}
