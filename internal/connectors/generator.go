package connectors

import "context"

// GenerateRequest — один запрос к модели, которая переписывает или оценивает выход агента.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Generator — провайдер генерации. Реализации: OpenAIGenerator, ScriptedGenerator (тесты и офлайн),
// engine.ReliabilityWrapper (обертка с лимитами и ретраями).
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeneratorFunc позволяет передать функцию как Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}
