package checks

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// Веса составляющих drift-оценки.
const (
	driftCosineWeight = 0.5
	driftTaskWeight   = 0.3
	driftLengthWeight = 0.2
	driftPassScore    = 0.3

	baselineKeywords = 20
)

// DriftCheck сравнивает выход с исторической базовой линией агента.
// Без достаточной истории не штрафует: passed=true, score=nil.
type DriftCheck struct{}

func NewDriftCheck() *DriftCheck { return &DriftCheck{} }

func (c *DriftCheck) Type() domain.CheckType { return domain.CheckDrift }

func (c *DriftCheck) Run(_ context.Context, in Input) (Finding, error) {
	b := in.Baseline
	if !b.Sufficient() {
		samples := 0
		if b != nil {
			samples = b.SampleCount
		}
		return Finding{Passed: true, Details: map[string]any{
			"skipped":      "insufficient baseline",
			"sample_count": samples,
		}}, nil
	}

	outTerms := terms(in.Execution.Output)
	sim := cosine(termVector(in.Execution.Output), b.TermWeights)

	// Ключевые слова: текущей задачи и типичных задач агента (последние уже основы, см. BuildBaseline)
	taskWords := make(map[string]struct{})
	for _, t := range terms(in.Execution.Task) {
		taskWords[t] = struct{}{}
	}
	known := make(map[string]struct{})
	for _, k := range b.TaskKeywords {
		known[k] = struct{}{}
	}
	outSet := make(map[string]struct{}, len(outTerms))
	for _, t := range outTerms {
		outSet[t] = struct{}{}
	}

	lengthRatio := 0.0
	lengthScore := 0.0
	if b.AvgLength > 0 && len(outTerms) > 0 {
		lengthRatio = float64(len(tokenize(in.Execution.Output))) / b.AvgLength
		lengthScore = math.Min(lengthRatio, 1/lengthRatio)
	}

	var score float64
	details := map[string]any{
		"similarity":   round3(sim),
		"length_ratio": round3(lengthRatio),
		"sample_count": b.SampleCount,
	}
	if len(taskWords) > 0 || len(known) > 0 {
		overlap := math.Max(coverage(taskWords, outSet), coverage(known, outSet))
		details["task_overlap"] = round3(overlap)
		score = driftCosineWeight*sim + driftTaskWeight*overlap + driftLengthWeight*lengthScore
	} else {
		w := driftCosineWeight + driftLengthWeight
		score = (driftCosineWeight*sim + driftLengthWeight*lengthScore) / w
	}
	score = round3(clamp01(score))
	return Finding{Score: &score, Passed: score >= driftPassScore, Details: details}, nil
}

// BuildBaseline строит базовую линию по историческим выходам и задачам агента.
// Используется хранилищами в LoadSessionBaseline.
func BuildBaseline(agentID string, outputs, tasks []string) *domain.Baseline {
	b := &domain.Baseline{
		AgentID:     agentID,
		TermWeights: make(map[string]float64),
		SampleCount: len(outputs),
		UpdatedAt:   time.Now().UTC(),
	}
	if len(outputs) == 0 {
		return b
	}

	var words int
	for _, out := range outputs {
		words += len(tokenize(out))
		for t, w := range termVector(out) {
			b.TermWeights[t] += w / float64(len(outputs))
		}
	}
	b.AvgLength = float64(words) / float64(len(outputs))

	freq := make(map[string]int)
	for _, task := range tasks {
		seen := make(map[string]struct{})
		for _, t := range terms(task) {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			freq[t]++
		}
	}
	for t := range freq {
		b.TaskKeywords = append(b.TaskKeywords, t)
	}
	sort.Slice(b.TaskKeywords, func(i, j int) bool {
		a, c := b.TaskKeywords[i], b.TaskKeywords[j]
		if freq[a] != freq[c] {
			return freq[a] > freq[c]
		}
		return a < c
	})
	if len(b.TaskKeywords) > baselineKeywords {
		b.TaskKeywords = b.TaskKeywords[:baselineKeywords]
	}
	return b
}
