package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-verifier/internal/checks"
	"github.com/xela07ax/spaceai-verifier/internal/correction"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap/zaptest"
)

// layerCorrector отвечает "fix-<уровень>" и запоминает запросы.
type layerCorrector struct {
	mu   sync.Mutex
	reqs []correction.Request
}

func (c *layerCorrector) Correct(_ context.Context, req correction.Request) (string, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return fmt.Sprintf("fix-%d", req.Layer), nil
}

func layers(attempts []domain.CorrectionAttempt) []domain.Layer {
	var out []domain.Layer
	for _, a := range attempts {
		out = append(out, a.Layer)
	}
	return out
}

func cascadeInput() checks.Input {
	e := refundExec()
	e.ID = "exec-c"
	return checks.Input{Execution: e}
}

func TestCascade_SkipsPass(t *testing.T) {
	c := NewCascade(&layerCorrector{}, &scriptedVerifier{outcomes: []Outcome{outcome(1, domain.ActionPass)}},
		guardConfig(nil), nil, zaptest.NewLogger(t))

	res := c.Run(context.Background(), cascadeInput(), outcome(0.9, domain.ActionPass), nil)
	assert.Equal(t, domain.CascadeSkipped, res.Status)
	assert.Empty(t, res.Attempts)
}

func TestCascade_SucceedsOnSecondLayer(t *testing.T) {
	corr := &layerCorrector{}
	ver := &scriptedVerifier{outcomes: []Outcome{
		outcome(0.55, domain.ActionFlag),
		outcome(0.92, domain.ActionPass),
	}}
	c := NewCascade(corr, ver, guardConfig(nil), nil, zaptest.NewLogger(t))

	res := c.Run(context.Background(), cascadeInput(), outcome(0.6, domain.ActionFlag), nil)

	assert.Equal(t, domain.CascadeSucceeded, res.Status)
	assert.Equal(t, []domain.Layer{domain.LayerRepair, domain.LayerConstrainedRegen}, layers(res.Attempts))
	assert.Equal(t, "fix-2", res.FinalOutput)
	require.NotNil(t, res.Final.Confidence)
	assert.Equal(t, 0.92, *res.Final.Confidence)

	first, second := res.Attempts[0], res.Attempts[1]
	assert.False(t, first.Success)
	assert.Equal(t, 0.6, *first.ConfidenceBefore)
	assert.Equal(t, 0.55, *first.ConfidenceAfter)
	assert.True(t, second.Success)
	assert.Equal(t, 0.55, *second.ConfidenceBefore)
	assert.Equal(t, "fix-2", *second.CorrectedOutput)
	assert.Equal(t, "constrained_regen", second.LayerName)
	assert.Equal(t, "exec-c", second.ExecutionID)

	// Каждая попытка перепроверялась именно своим выходом
	assert.Equal(t, []string{"fix-1", "fix-2"}, ver.seen)
}

func TestCascade_ExhaustsAllLayersFromFlag(t *testing.T) {
	ver := &scriptedVerifier{outcomes: []Outcome{outcome(0.4, domain.ActionFlag)}}
	c := NewCascade(&layerCorrector{}, ver, guardConfig(nil), nil, zaptest.NewLogger(t))

	res := c.Run(context.Background(), cascadeInput(), outcome(0.4, domain.ActionFlag), nil)

	assert.Equal(t, domain.CascadeExhausted, res.Status)
	assert.Equal(t, []domain.Layer{domain.LayerRepair, domain.LayerConstrainedRegen, domain.LayerFullReprompt}, layers(res.Attempts))
	assert.Equal(t, cascadeInput().Execution.Output, res.FinalOutput)
	assert.LessOrEqual(t, len(res.Attempts), domain.MaxCorrectionAttempts)
}

func TestCascade_BlockStartsAtRegeneration(t *testing.T) {
	ver := &scriptedVerifier{outcomes: []Outcome{outcome(0.1, domain.ActionBlock)}}
	c := NewCascade(&layerCorrector{}, ver, guardConfig(nil), nil, zaptest.NewLogger(t))

	res := c.Run(context.Background(), cascadeInput(), outcome(0.1, domain.ActionBlock), nil)

	assert.Equal(t, domain.CascadeExhausted, res.Status)
	assert.Equal(t, []domain.Layer{domain.LayerConstrainedRegen, domain.LayerFullReprompt}, layers(res.Attempts))
}

func TestCascade_BlockOverrideIsNeverSuccess(t *testing.T) {
	blocked := outcome(0.99, domain.ActionBlock)
	blocked.Override = domain.ActionBlock
	ver := &scriptedVerifier{outcomes: []Outcome{blocked}}
	c := NewCascade(&layerCorrector{}, ver, guardConfig(nil), nil, zaptest.NewLogger(t))

	res := c.Run(context.Background(), cascadeInput(), outcome(0.6, domain.ActionFlag), nil)
	assert.Equal(t, domain.CascadeExhausted, res.Status)
	for _, a := range res.Attempts {
		assert.False(t, a.Success)
	}
}

func TestCascade_UnchangedOutputFailsAttempt(t *testing.T) {
	echo := correction.CorrectorFunc(func(_ context.Context, req correction.Request) (string, error) {
		return req.Execution.Output, nil
	})
	ver := &scriptedVerifier{outcomes: []Outcome{outcome(1, domain.ActionPass)}}
	c := NewCascade(echo, ver, guardConfig(nil), nil, zaptest.NewLogger(t))

	res := c.Run(context.Background(), cascadeInput(), outcome(0.6, domain.ActionFlag), nil)
	assert.Equal(t, domain.CascadeExhausted, res.Status)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, errUnchanged.Error(), res.Attempts[0].Error)
	assert.Nil(t, res.Attempts[0].CorrectedOutput)
	assert.Empty(t, ver.seen, "unchanged output is not re-verified")
}

func TestCascade_PassesFeedbackAndRerun(t *testing.T) {
	corr := &layerCorrector{}
	ver := &scriptedVerifier{outcomes: []Outcome{outcome(0.2, domain.ActionBlock)}}
	c := NewCascade(corr, ver, guardConfig(nil), nil, zaptest.NewLogger(t))

	initial := outcome(0.2, domain.ActionBlock)
	initial.Checks = []domain.CheckResult{{
		CheckType: domain.CheckHallucination,
		Score:     domain.Float(0),
		Details:   map[string]any{"contradicted": []string{"The refund policy allows 45 days"}},
	}}
	rerun := func(context.Context, string) (string, error) { return "rerun", nil }

	c.Run(context.Background(), cascadeInput(), initial, rerun)

	require.Len(t, corr.reqs, 2)
	assert.NotEmpty(t, corr.reqs[0].Feedback)
	assert.Equal(t, initial.Checks, corr.reqs[0].Checks)
	assert.NotNil(t, corr.reqs[1].Rerun)
	assert.Equal(t, domain.LayerFullReprompt, corr.reqs[1].Layer)
}

func TestCascade_NextLayerGetsPreviousAttemptWithItsChecks(t *testing.T) {
	corr := &layerCorrector{}
	afterRepair := outcome(0.55, domain.ActionFlag)
	afterRepair.Checks = []domain.CheckResult{{
		CheckType: domain.CheckSchema,
		Score:     domain.Float(0),
		Details:   map[string]any{"violation": "missing field days"},
	}}
	ver := &scriptedVerifier{outcomes: []Outcome{afterRepair, outcome(0.92, domain.ActionPass)}}
	c := NewCascade(corr, ver, guardConfig(nil), nil, zaptest.NewLogger(t))

	in := cascadeInput()
	res := c.Run(context.Background(), in, outcome(0.6, domain.ActionFlag), nil)
	require.Equal(t, domain.CascadeSucceeded, res.Status)
	require.Len(t, corr.reqs, 2)

	first, second := corr.reqs[0], corr.reqs[1]
	assert.Equal(t, in.Execution.Output, first.Execution.Output)
	assert.Equal(t, in.Execution.Output, first.OriginalOutput)

	// Вторая ступень видит выход первой и замечания именно к нему
	assert.Equal(t, "fix-1", second.Execution.Output)
	assert.Equal(t, in.Execution.Output, second.OriginalOutput)
	assert.Equal(t, afterRepair.Checks, second.Checks)
	assert.Equal(t, []string{"Output is structurally invalid: missing field days"}, second.Feedback)
}

func TestCascade_FailedCorrectionKeepsPreviousInput(t *testing.T) {
	var seen []string
	calls := 0
	corr := correction.CorrectorFunc(func(_ context.Context, req correction.Request) (string, error) {
		seen = append(seen, req.Execution.Output)
		calls++
		if calls == 1 {
			return "", fmt.Errorf("llm unavailable")
		}
		return fmt.Sprintf("fix-%d", req.Layer), nil
	})
	ver := &scriptedVerifier{outcomes: []Outcome{outcome(0.4, domain.ActionFlag)}}
	c := NewCascade(corr, ver, guardConfig(nil), nil, zaptest.NewLogger(t))

	in := cascadeInput()
	c.Run(context.Background(), in, outcome(0.4, domain.ActionFlag), nil)

	assert.Equal(t, []string{in.Execution.Output, in.Execution.Output, "fix-2"}, seen)
}

func TestCascade_BarUsesUnroundedConfidence(t *testing.T) {
	almost := outcome(0.8, domain.ActionFlag)
	almost.score = domain.Float(0.7996)
	ver := &scriptedVerifier{outcomes: []Outcome{almost}}
	c := NewCascade(&layerCorrector{}, ver, guardConfig(nil), nil, zaptest.NewLogger(t))

	res := c.Run(context.Background(), cascadeInput(), outcome(0.6, domain.ActionFlag), nil)

	assert.Equal(t, domain.CascadeExhausted, res.Status)
	for _, a := range res.Attempts {
		assert.False(t, a.Success)
	}
}

func TestCascade_TimeoutKeepsCompletedAttempts(t *testing.T) {
	slow := correction.CorrectorFunc(func(ctx context.Context, _ correction.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	cfg := guardConfig(func(g *infra.GuardConfig) { g.TimeoutS = 0.05 })
	ver := &scriptedVerifier{outcomes: []Outcome{outcome(1, domain.ActionPass)}}
	c := NewCascade(slow, ver, cfg, nil, zaptest.NewLogger(t))

	res := c.Run(context.Background(), cascadeInput(), outcome(0.6, domain.ActionFlag), nil)

	assert.Equal(t, domain.CascadeExhausted, res.Status)
	require.Len(t, res.Attempts, 1)
	assert.False(t, res.Attempts[0].Success)
	assert.NotEmpty(t, res.Attempts[0].Error)
}

func TestCascade_PerfectPassUsesFlagBar(t *testing.T) {
	cfg := guardConfig(func(g *infra.GuardConfig) {
		g.ConfidenceThreshold = infra.ThresholdConfig{Pass: 1.0, Flag: 0.5, Block: 0.3}
	})
	ver := &scriptedVerifier{outcomes: []Outcome{outcome(0.7, domain.ActionFlag)}}
	c := NewCascade(&layerCorrector{}, ver, cfg, nil, zaptest.NewLogger(t))

	res := c.Run(context.Background(), cascadeInput(), outcome(0.4, domain.ActionFlag), nil)
	assert.Equal(t, domain.CascadeSucceeded, res.Status)
	assert.Len(t, res.Attempts, 1)
}
