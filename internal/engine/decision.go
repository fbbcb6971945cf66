package engine

import (
	"math"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// Confidence - взвешенное среднее ненулевых оценок, округленное до трех знаков для хранения
// и отображения. Пороги сравниваются с неокругленным значением, см. rawConfidence.
func Confidence(results []domain.CheckResult, cfg Config) *float64 {
	raw := rawConfidence(results, cfg)
	if raw == nil {
		return nil
	}
	c := math.Round(*raw*1000) / 1000
	return &c
}

// rawConfidence - то же среднее без округления. Проверки с score=nil в среднее не входят
// (ни в числитель, ни в знаменатель). nil, если оценивать нечего.
func rawConfidence(results []domain.CheckResult, cfg Config) *float64 {
	var sum, weights float64
	for _, r := range results {
		if r.Score == nil {
			continue
		}
		w := cfg.Weight(r.CheckType)
		if w <= 0 {
			continue
		}
		sum += w * *r.Score
		weights += w
	}
	if weights == 0 {
		return nil
	}
	c := math.Max(0, math.Min(1, sum/weights))
	return &c
}

// Decide переводит confidence в решение. Промежуток между block и flag считается flag.
// Override от guardrails может только ужесточить решение.
func Decide(confidence *float64, th Thresholds, override domain.Action) domain.Action {
	action := domain.ActionFlag
	if confidence != nil {
		switch c := *confidence; {
		case c >= th.Pass:
			action = domain.ActionPass
		case c < th.Block:
			action = domain.ActionBlock
		}
	}
	return domain.Stricter(action, override)
}

// override - самое строгое принудительное решение среди результатов.
// Не выполнившаяся проверка guardrails дает не меньше flag: без нее срабатывание
// block-правила нельзя исключить.
func override(results []domain.CheckResult) domain.Action {
	var out domain.Action
	for _, r := range results {
		if a, ok := r.Override(); ok {
			out = domain.Stricter(out, a)
		}
		if r.CheckType == domain.CheckGuardrails && r.Failed() {
			out = domain.Stricter(out, domain.ActionFlag)
		}
	}
	return out
}
