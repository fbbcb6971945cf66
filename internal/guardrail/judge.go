package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-verifier/internal/connectors"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

// Verdict — решение внешнего судьи по llm-правилу.
type Verdict struct {
	Violated bool   `json:"violated"`
	Reason   string `json:"reason"`
}

// Judge выносит семантическое суждение по описанию правила на естественном языке.
type Judge interface {
	Judge(ctx context.Context, description string, exec domain.Execution) (Verdict, error)
}

const judgeSystem = `You are a strict compliance reviewer for AI agent outputs.
You receive a rule written in plain language and an agent exchange.
Answer ONLY with JSON: {"violated": true|false, "reason": "<one sentence>"}.`

// LLMJudge — судья поверх генератора (обычно OpenAI через ReliabilityWrapper).
type LLMJudge struct {
	gen    connectors.Generator
	logger *zap.Logger
}

func NewLLMJudge(gen connectors.Generator, logger *zap.Logger) *LLMJudge {
	return &LLMJudge{gen: gen, logger: logger.Named("judge")}
}

func (j *LLMJudge) Judge(ctx context.Context, description string, exec domain.Execution) (Verdict, error) {
	prompt := fmt.Sprintf("Rule: %s\n\nTask: %s\nInput: %s\nOutput: %s\n\nDoes the output violate the rule?",
		description, exec.Task, exec.Input, exec.Output)

	raw, err := j.gen.Generate(ctx, connectors.GenerateRequest{
		System:    judgeSystem,
		Prompt:    prompt,
		MaxTokens: 200,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge call failed: %w", err)
	}
	v, err := parseVerdict(raw)
	if err != nil {
		j.logger.Warn("unparseable verdict", zap.String("raw", raw), zap.Error(err))
		return Verdict{}, err
	}
	return v, nil
}

// parseVerdict вытаскивает JSON из ответа модели, даже если он обернут в markdown.
func parseVerdict(raw string) (Verdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("verdict is not JSON: %q", raw)
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}
