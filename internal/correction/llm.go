package correction

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-verifier/internal/connectors"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

// Температура растет с уровнем: ремонт почти детерминирован, полный перезапуск свободнее.
var layerTemperature = map[domain.Layer]float32{
	domain.LayerRepair:           0.0,
	domain.LayerConstrainedRegen: 0.2,
	domain.LayerFullReprompt:     0.7,
}

const correctorSystem = `You fix answers produced by an AI agent so that they pass automated verification.
Return ONLY the corrected answer text, without explanations or markdown fences.`

// LLMCorrector — корректор поверх генератора (OpenAI через ReliabilityWrapper).
type LLMCorrector struct {
	gen       connectors.Generator
	maxTokens int
	logger    *zap.Logger
}

func NewLLMCorrector(gen connectors.Generator, logger *zap.Logger) *LLMCorrector {
	return &LLMCorrector{gen: gen, maxTokens: 1024, logger: logger.Named("corrector")}
}

func (c *LLMCorrector) Correct(ctx context.Context, req Request) (string, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return "", err
	}

	// Полный перезапуск лучше делать самим агентом, если SDK дал такую возможность
	if req.Layer == domain.LayerFullReprompt && req.Rerun != nil {
		return req.Rerun(ctx, prompt)
	}

	out, err := c.gen.Generate(ctx, connectors.GenerateRequest{
		System:      correctorSystem,
		Prompt:      prompt,
		Temperature: layerTemperature[req.Layer],
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", req.Layer.Name(), err)
	}
	c.logger.Debug("correction generated",
		zap.String("execution_id", req.Execution.ID),
		zap.String("layer", req.Layer.Name()))
	return stripFences(out), nil
}

func buildPrompt(req Request) (string, error) {
	e := req.Execution
	var b strings.Builder

	switch req.Layer {
	case domain.LayerRepair:
		fmt.Fprintf(&b, "Make the smallest possible edits to the answer below so that it no longer has these problems:\n%s\n\n", bullets(req.Feedback))
		fmt.Fprintf(&b, "Answer:\n%s\n", e.Output)
		if e.GroundTruth != "" {
			fmt.Fprintf(&b, "\nReference facts:\n%s\n", e.GroundTruth)
		}

	case domain.LayerConstrainedRegen:
		fmt.Fprintf(&b, "Rewrite the answer from scratch under strict constraints.\nTask: %s\nUser input: %s\n", e.Task, e.Input)
		b.WriteString("Constraints:\n")
		if e.GroundTruth != "" {
			fmt.Fprintf(&b, "- Use ONLY these facts, do not add numbers or claims beyond them: %s\n", e.GroundTruth)
		}
		if len(e.Schema) > 0 {
			fmt.Fprintf(&b, "- The answer MUST be JSON valid against this schema: %s\n", string(e.Schema))
		}
		fmt.Fprintf(&b, "- Avoid these problems of the previous answer:\n%s\n", bullets(req.Feedback))
		fmt.Fprintf(&b, "\nPrevious answer (for reference only):\n%s\n", e.Output)

	case domain.LayerFullReprompt:
		fmt.Fprintf(&b, "Solve the task again.\nTask: %s\nUser input: %s\n", e.Task, e.Input)
		if e.GroundTruth != "" {
			fmt.Fprintf(&b, "Known facts: %s\n", e.GroundTruth)
		}
		if len(e.Schema) > 0 {
			fmt.Fprintf(&b, "Respond with JSON valid against this schema: %s\n", string(e.Schema))
		}
		fmt.Fprintf(&b, "A previous attempt was rejected because:\n%s\n", bullets(req.Feedback))

	default:
		return "", fmt.Errorf("unknown correction layer %d", req.Layer)
	}
	return b.String(), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // Срезаем язык после ```
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
