package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Пауза по умолчанию, если провайдер вернул 429 без подсказки.
const defaultRetryAfter = 2 * time.Second

// OpenAIConfig — настройки клиента. BaseURL позволяет ходить в совместимые API (vLLM, Ollama).
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIGenerator struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewOpenAIGenerator(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is not set")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
		logger.Warn("llm model not set, defaulting", zap.String("model", cfg.Model))
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		logger: logger.Named("openai"),
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		creq.MaxCompletionTokens = req.MaxTokens
	}

	resp, err := g.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	g.logger.Debug("completion received",
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return content, nil
}

// classify переводит 429 в ThrottleError, чтобы ретраи ждали, а не долбили провайдера.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &ThrottleError{RetryAfter: defaultRetryAfter, Cause: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &ThrottleError{RetryAfter: defaultRetryAfter, Cause: err}
	}
	return fmt.Errorf("openai: chat completion failed: %w", err)
}
