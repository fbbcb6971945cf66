package guard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
	"go.uber.org/zap/zaptest"
)

type memStore struct {
	mu         sync.Mutex
	execs      []domain.Execution
	guardrails []domain.Guardrail
}

func (s *memStore) SaveExecution(_ context.Context, e domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, e)
	return nil
}

func (s *memStore) SaveCheckResults(context.Context, []domain.CheckResult) error { return nil }

func (s *memStore) SaveCorrectionAttempts(context.Context, []domain.CorrectionAttempt) error {
	return nil
}

func (s *memStore) LoadGuardrails(context.Context, string, string) ([]domain.Guardrail, error) {
	return s.guardrails, nil
}

func (s *memStore) LoadSessionBaseline(context.Context, string) (*domain.Baseline, error) {
	return nil, nil
}

func (s *memStore) Execs() []domain.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Execution(nil), s.execs...)
}

func blockRule() domain.Guardrail {
	return domain.Guardrail{
		ID:        "g-1",
		OrgID:     DefaultOrg,
		Name:      "no promises about 45 days",
		RuleType:  domain.RuleKeyword,
		Condition: json.RawMessage(`{"keywords":["45 days"]}`),
		Action:    domain.ActionBlock,
		Enabled:   true,
	}
}

func newClient(t *testing.T, store *memStore, mut func(c *Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	if mut != nil {
		mut(&cfg)
	}
	logger := zaptest.NewLogger(t)
	c, err := New(cfg,
		WithStore(store),
		WithLogger(logger),
		WithEvaluator(guardrail.NewEvaluator(nil, logger)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func syncMode(c *Config) { c.Mode = "sync" }

func refundAgent(answer string) AgentFunc {
	return func(context.Context, string) (string, error) { return answer, nil }
}

var refundMeta = Meta{
	AgentID:     "support-bot",
	Task:        "answer refund question",
	Input:       "how long do I have for a refund?",
	GroundTruth: "Refunds within 30 days of purchase",
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig())
	assert.Error(t, err, "store is required")

	cfg := DefaultConfig()
	cfg.Mode = "eventually"
	_, err = New(cfg, WithStore(&memStore{}))
	assert.Error(t, err)
}

func TestWatch_SyncBlockRaisesTypedError(t *testing.T) {
	store := &memStore{guardrails: []domain.Guardrail{blockRule()}}
	c := newClient(t, store, syncMode)

	answer := c.Watch(refundAgent("The refund policy allows 45 days"), Meta{AgentID: "support-bot"})
	out, err := answer(context.Background(), "refund window?")

	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Empty(t, out)
	assert.Equal(t, domain.ActionBlock, blocked.Result.Action)
	assert.Contains(t, blocked.FailedChecks(), domain.CheckGuardrails)

	execs := store.Execs()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ActionBlock, execs[0].Action)
	assert.Equal(t, "refund window?", execs[0].Input)
}

func TestWatch_SyncPassReturnsOutput(t *testing.T) {
	store := &memStore{}
	c := newClient(t, store, syncMode)

	answer := c.Watch(refundAgent("Refunds within 30 days of purchase"), refundMeta)
	out, err := answer(context.Background(), refundMeta.Input)
	require.NoError(t, err)
	assert.Equal(t, "Refunds within 30 days of purchase", out)

	execs := store.Execs()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ActionPass, execs[0].Action)
}

func TestWatch_AgentErrorIsReturnedUnchanged(t *testing.T) {
	store := &memStore{}
	c := newClient(t, store, syncMode)
	boom := errors.New("upstream timeout")

	answer := c.Watch(func(context.Context, string) (string, error) { return "", boom }, Meta{AgentID: "support-bot"})
	_, err := answer(context.Background(), "hi")
	assert.Same(t, boom, err)

	execs := store.Execs()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecutionError, execs[0].Status)
	assert.Equal(t, "upstream timeout", execs[0].Error)
}

func TestRun_AsyncNeverTouchesCaller(t *testing.T) {
	store := &memStore{guardrails: []domain.Guardrail{blockRule()}}
	c := newClient(t, store, nil)

	res, err := c.Run(context.Background(), refundAgent("The refund policy allows 45 days"), refundMeta)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Nil(t, res.Confidence)
	assert.Equal(t, "The refund policy allows 45 days", res.Output)

	// Close дожидается фоновой верификации
	require.NoError(t, c.Close())
	execs := store.Execs()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ActionBlock, execs[0].Action)
	assert.Equal(t, res.ExecutionID, execs[0].ID)
}

func TestRun_CorrectionVisibility(t *testing.T) {
	cases := []struct {
		transparency string
		visible      bool
	}{
		{"transparent", true},
		{"opaque", false},
	}
	for _, tc := range cases {
		t.Run(tc.transparency, func(t *testing.T) {
			c := newClient(t, &memStore{}, func(cfg *Config) {
				cfg.Mode = "sync"
				cfg.Correction = "cascade"
				cfg.Transparency = tc.transparency
			})

			res, err := c.Run(context.Background(), refundAgent("The refund policy allows 45 days"), refundMeta)
			require.NoError(t, err)
			// Исправленный ответ отдается в обоих режимах
			assert.Equal(t, "Refunds within 30 days of purchase", res.Output)
			assert.Equal(t, tc.visible, res.Corrected)
			assert.Equal(t, tc.visible, res.OriginalOutput != nil)
			assert.Equal(t, tc.visible, len(res.Attempts) > 0)
		})
	}
}

func TestTrace_RunsPipelineOnce(t *testing.T) {
	store := &memStore{}
	c := newClient(t, store, syncMode)

	tr := c.Trace(context.Background(), Meta{AgentID: "support-bot", Input: "where is my order?"})
	require.NoError(t, tr.Step(domain.StepTool, "lookup_order", map[string]any{"id": 42}, "shipped"))
	require.NoError(t, tr.SetTokenCount(120))
	require.NoError(t, tr.SetCostEstimate(0.002))
	require.NoError(t, tr.Record("Your order has shipped"))

	res, err := tr.End(nil)
	require.NoError(t, err)
	again, err := tr.End(errors.New("ignored"))
	require.NoError(t, err)
	assert.Equal(t, res.ExecutionID, again.ExecutionID)
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Record("late"), ErrTraceEnded)

	execs := store.Execs()
	require.Len(t, execs, 1)
	e := execs[0]
	assert.Equal(t, "Your order has shipped", e.Output)
	assert.Equal(t, 120, e.TokenCount)
	require.Len(t, e.Steps, 1)
	assert.Equal(t, "lookup_order", e.Steps[0].Name)
}

func TestTrace_ConcurrentCloseRunsOnce(t *testing.T) {
	store := &memStore{}
	c := newClient(t, store, syncMode)
	tr := c.Trace(context.Background(), Meta{AgentID: "support-bot"})
	_ = tr.Record("ok")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Close()
		}()
	}
	wg.Wait()
	assert.Len(t, store.Execs(), 1)
}

func TestWatch_SessionFromContext(t *testing.T) {
	store := &memStore{}
	c := newClient(t, store, syncMode)
	answer := c.Watch(refundAgent("Refunds within 30 days of purchase"), refundMeta)

	ctx := WithSession(context.Background(), "sess-1")
	_, err := answer(ctx, "first")
	require.NoError(t, err)
	_, err = answer(ctx, "second")
	require.NoError(t, err)

	execs := store.Execs()
	require.Len(t, execs, 2)
	require.NotNil(t, execs[1].SequenceNumber)
	assert.Equal(t, "sess-1", execs[1].SessionID)
	assert.Equal(t, int64(2), *execs[1].SequenceNumber)

	c.EndSession("sess-1")
	_, err = answer(ctx, "after reset")
	require.NoError(t, err)
	assert.Equal(t, int64(1), *store.Execs()[2].SequenceNumber)
}
