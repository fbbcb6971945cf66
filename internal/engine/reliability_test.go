package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-verifier/internal/connectors"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap/zaptest"
)

func TestReliabilityWrapper_RetriesTransientErrors(t *testing.T) {
	gen := connectors.NewScriptedGenerator(
		connectors.Reply{Err: errors.New("connection reset")},
		connectors.Reply{Err: &connectors.ThrottleError{RetryAfter: 10 * time.Millisecond, Cause: errors.New("429")}},
		connectors.Reply{Text: "fixed"},
	)
	w := NewReliabilityWrapper(gen, infra.LLMConfig{RateLimit: 100, Burst: 10}, nil, zaptest.NewLogger(t))

	out, err := w.Generate(context.Background(), connectors.GenerateRequest{Prompt: "fix it"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", out)
	assert.Len(t, gen.Calls(), 3)
}

func TestReliabilityWrapper_EmptyCompletionIsNotRetried(t *testing.T) {
	gen := connectors.NewScriptedGenerator(
		connectors.Reply{Err: connectors.ErrEmptyCompletion},
		connectors.Reply{Text: "never"},
	)
	w := NewReliabilityWrapper(gen, infra.LLMConfig{}, nil, zaptest.NewLogger(t))

	_, err := w.Generate(context.Background(), connectors.GenerateRequest{Prompt: "fix it"})
	assert.Error(t, err)
	assert.Len(t, gen.Calls(), 1)
}

func TestReliabilityWrapper_BreakerOpens(t *testing.T) {
	gen := connectors.GeneratorFunc(func(context.Context, connectors.GenerateRequest) (string, error) {
		return "", connectors.ErrEmptyCompletion
	})
	metrics := NewMetrics(prometheus.NewRegistry())
	w := NewReliabilityWrapper(gen, infra.LLMConfig{RateLimit: 1000, Burst: 100}, metrics, zaptest.NewLogger(t))

	// Шесть неудач подряд открывают предохранитель
	for i := 0; i < 6; i++ {
		_, err := w.Generate(context.Background(), connectors.GenerateRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("llm")))

	_, err := w.Generate(context.Background(), connectors.GenerateRequest{})
	assert.Error(t, err)
}

func TestReliabilityWrapper_HonoursContext(t *testing.T) {
	gen := connectors.NewScriptedGenerator(connectors.Reply{Text: "late", Delay: time.Second})
	w := NewReliabilityWrapper(gen, infra.LLMConfig{}, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Generate(ctx, connectors.GenerateRequest{})
	assert.Error(t, err)
}
