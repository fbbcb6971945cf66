package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-verifier/internal/connectors"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap/zaptest"
)

func rule(id string, rt domain.RuleType, action domain.Action, cond string) domain.Guardrail {
	return domain.Guardrail{
		ID:        id,
		OrgID:     "org-1",
		Name:      "rule " + id,
		RuleType:  rt,
		Condition: json.RawMessage(cond),
		Action:    action,
		Enabled:   true,
	}
}

func toolExec(calls ...string) domain.Execution {
	e := domain.Execution{ID: "exec-1", AgentID: "agent-1", OrgID: "org-1", Output: "ok"}
	for _, c := range calls {
		e.Steps = append(e.Steps, domain.Step{Type: domain.StepTool, Name: c, Input: map[string]any{"to": "a@b.c"}})
	}
	return e
}

func TestParseCondition_Validation(t *testing.T) {
	cases := []struct {
		name string
		rt   domain.RuleType
		cond string
		ok   bool
	}{
		{"regex ok", domain.RuleRegex, `{"pattern":"\\d+","ignore_case":true}`, true},
		{"regex missing ignore_case", domain.RuleRegex, `{"pattern":"x"}`, false},
		{"regex bad pattern", domain.RuleRegex, `{"pattern":"(","ignore_case":false}`, false},
		{"keyword ok", domain.RuleKeyword, `{"keywords":["refund"],"case_sensitive":false}`, true},
		{"keyword empty list", domain.RuleKeyword, `{"keywords":[]}`, false},
		{"threshold ok", domain.RuleThreshold, `{"metric":"latency_ms","operator":">=","limit":0}`, true},
		{"threshold bad operator", domain.RuleThreshold, `{"metric":"latency_ms","operator":"=>","limit":1}`, false},
		{"threshold bad metric", domain.RuleThreshold, `{"metric":"mood","operator":">","limit":1}`, false},
		{"threshold missing limit", domain.RuleThreshold, `{"metric":"token_count","operator":">"}`, false},
		{"llm ok", domain.RuleLLM, `{"description":"no medical advice"}`, true},
		{"tool allow ok", domain.RuleToolPolicy, `{"tool_name":"send_email","policy":"allow","max_calls_per_execution":1}`, true},
		{"tool allow without max", domain.RuleToolPolicy, `{"tool_name":"send_email","policy":"allow"}`, false},
		{"tool deny ok", domain.RuleToolPolicy, `{"tool_name":"rm","policy":"deny"}`, true},
		{"tool deny with max", domain.RuleToolPolicy, `{"tool_name":"rm","policy":"deny","max_calls_per_execution":2}`, false},
		{"unknown field", domain.RuleLLM, `{"description":"x","extra":1}`, false},
		{"unknown rule type", domain.RuleType("magic"), `{}`, false},
		{"empty condition", domain.RuleKeyword, ``, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCondition(tc.rt, json.RawMessage(tc.cond))
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidCondition)
		})
	}
}

func TestValidateGuardrail_CollectsAllProblems(t *testing.T) {
	g := rule("1", domain.RuleThreshold, domain.ActionPass, `{"metric":"mood","operator":"~"}`)
	g.Name = ""

	err := ValidateGuardrail(g)
	var ce *ConditionError
	require.ErrorAs(t, err, &ce)
	assert.GreaterOrEqual(t, len(ce.Problems), 4)
}

func TestEvaluate_ToolPolicyAllowLimit(t *testing.T) {
	ev := NewEvaluator(nil, zaptest.NewLogger(t))
	rules := []domain.Guardrail{
		rule("g1", domain.RuleToolPolicy, domain.ActionFlag, `{"tool_name":"send_email","policy":"allow","max_calls_per_execution":1}`),
	}

	res, err := ev.Evaluate(context.Background(), toolExec("send_email", "send_email"), rules)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, domain.CheckGuardrails, res.CheckType)
	assert.Nil(t, res.Score)
	require.Len(t, res.Details["fired"], 1)

	res, err = ev.Evaluate(context.Background(), toolExec("send_email"), rules)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestEvaluate_BlockOverridesFlag(t *testing.T) {
	ev := NewEvaluator(nil, zaptest.NewLogger(t))
	e := toolExec("delete_user")
	e.Output = "Here is the SSN: 123-45-6789"

	rules := []domain.Guardrail{
		rule("a", domain.RuleKeyword, domain.ActionFlag, `{"keywords":["ssn"]}`),
		rule("b", domain.RuleRegex, domain.ActionBlock, `{"pattern":"\\d{3}-\\d{2}-\\d{4}","ignore_case":false}`),
		rule("c", domain.RuleToolPolicy, domain.ActionFlag, `{"tool_name":"delete_user","policy":"deny"}`),
	}
	res, err := ev.Evaluate(context.Background(), e, rules)
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.Len(t, res.Details["fired"], 3)
	override, ok := res.Override()
	require.True(t, ok)
	assert.Equal(t, domain.ActionBlock, override)
}

func TestEvaluate_FlagOnlyOverride(t *testing.T) {
	ev := NewEvaluator(nil, zaptest.NewLogger(t))
	e := toolExec()
	e.LatencyMs = 4200

	rules := []domain.Guardrail{
		rule("slow", domain.RuleThreshold, domain.ActionFlag, `{"metric":"latency_ms","operator":">","limit":3000}`),
	}
	res, err := ev.Evaluate(context.Background(), e, rules)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	override, ok := res.Override()
	require.True(t, ok)
	assert.Equal(t, domain.ActionFlag, override)
}

func TestEvaluate_Filtering(t *testing.T) {
	ev := NewEvaluator(nil, zaptest.NewLogger(t))
	other := "agent-2"
	me := "agent-1"

	disabled := rule("1", domain.RuleKeyword, domain.ActionBlock, `{"keywords":["ok"]}`)
	disabled.Enabled = false
	foreignAgent := rule("2", domain.RuleKeyword, domain.ActionBlock, `{"keywords":["ok"]}`)
	foreignAgent.AgentID = &other
	foreignOrg := rule("3", domain.RuleKeyword, domain.ActionBlock, `{"keywords":["ok"]}`)
	foreignOrg.OrgID = "org-2"
	mine := rule("4", domain.RuleKeyword, domain.ActionFlag, `{"keywords":["OK"],"case_sensitive":true}`)
	mine.AgentID = &me

	res, err := ev.Evaluate(context.Background(), toolExec(), []domain.Guardrail{disabled, foreignAgent, foreignOrg, mine})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Details["evaluated"])
	assert.True(t, res.Passed, "case-sensitive keyword must not match lower-case output")
}

type stubJudge struct {
	verdict Verdict
	err     error
	calls   atomic.Int32
}

func (j *stubJudge) Judge(context.Context, string, domain.Execution) (Verdict, error) {
	j.calls.Add(1)
	return j.verdict, j.err
}

func TestEvaluate_LLMRule(t *testing.T) {
	llm := rule("llm", domain.RuleLLM, domain.ActionBlock, `{"description":"no medical advice"}`)

	j := &stubJudge{verdict: Verdict{Violated: true, Reason: "gives dosage"}}
	res, err := NewEvaluator(j, zaptest.NewLogger(t)).Evaluate(context.Background(), toolExec(), []domain.Guardrail{llm})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.EqualValues(t, 1, j.calls.Load())

	// Ошибка судьи не срабатывает правилом, но видна в details
	failing := &stubJudge{err: errors.New("judge down")}
	res, err = NewEvaluator(failing, zaptest.NewLogger(t)).Evaluate(context.Background(), toolExec(), []domain.Guardrail{llm})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Contains(t, res.Details, "errors")
}

func TestEvaluate_Idempotent(t *testing.T) {
	ev := NewEvaluator(nil, zaptest.NewLogger(t))
	e := toolExec("send_email", "send_email", "send_email")
	e.Output = "Call me at 555-0100"
	rules := []domain.Guardrail{
		rule("z", domain.RuleRegex, domain.ActionFlag, `{"pattern":"\\d{3}-\\d{4}","ignore_case":false}`),
		rule("a", domain.RuleToolPolicy, domain.ActionBlock, `{"tool_name":"send_email","policy":"allow","max_calls_per_execution":2}`),
	}

	first, err := ev.Evaluate(context.Background(), e, rules)
	require.NoError(t, err)
	// Другой порядок правил на входе не меняет результат
	second, err := ev.Evaluate(context.Background(), e, []domain.Guardrail{rules[1], rules[0]})
	require.NoError(t, err)

	assert.Equal(t, first.Passed, second.Passed)
	assert.Equal(t, first.Details, second.Details)
}

func TestLLMJudge_ParsesFencedJSON(t *testing.T) {
	gen := connectors.NewScriptedGenerator(connectors.Reply{Text: "```json\n{\"violated\": true, \"reason\": \"dosage\"}\n```"})
	v, err := NewLLMJudge(gen, zaptest.NewLogger(t)).Judge(context.Background(), "no medical advice", toolExec())
	require.NoError(t, err)
	assert.True(t, v.Violated)
	assert.Equal(t, "dosage", v.Reason)

	_, err = parseVerdict("I think it is fine")
	assert.Error(t, err)
}

type countingLoader struct {
	calls atomic.Int32
	err   error
	rules []domain.Guardrail
}

func (l *countingLoader) LoadGuardrails(context.Context, string, string) ([]domain.Guardrail, error) {
	l.calls.Add(1)
	return l.rules, l.err
}

func TestCache(t *testing.T) {
	loader := &countingLoader{rules: []domain.Guardrail{rule("1", domain.RuleLLM, domain.ActionFlag, `{"description":"x"}`)}}
	c := NewCache(loader, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rules, err := c.LoadGuardrails(ctx, "org-1", "agent-1")
		require.NoError(t, err)
		assert.Len(t, rules, 1)
	}
	assert.EqualValues(t, 1, loader.calls.Load())

	c.Invalidate("org-2")
	_, _ = c.LoadGuardrails(ctx, "org-1", "agent-1")
	assert.EqualValues(t, 1, loader.calls.Load(), "other org invalidation keeps entries")

	c.Invalidate("org-1")
	_, _ = c.LoadGuardrails(ctx, "org-1", "agent-1")
	assert.EqualValues(t, 2, loader.calls.Load())

	// Устаревшие правила лучше, чем ошибка
	now := time.Now()
	c.now = func() time.Time { return now.Add(time.Hour) }
	loader.err = errors.New("db down")
	rules, err := c.LoadGuardrails(ctx, "org-1", "agent-1")
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, c.Refresh(ctx))
	_, err = c.LoadGuardrails(ctx, "org-1", "agent-1")
	assert.Error(t, err)
}

const validFile = `guardrails:
  - id: no-ssn
    org_id: org-1
    name: SSN leak
    rule_type: regex
    action: block
    enabled: true
    condition:
      pattern: '\d{3}-\d{2}-\d{4}'
      ignore_case: false
  - id: email-limit
    org_id: org-1
    agent_id: agent-9
    name: One email
    rule_type: tool_policy
    action: flag
    enabled: true
    condition:
      tool_name: send_email
      policy: allow
      max_calls_per_execution: 1
`

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardrails.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFile), 0o644))

	src, err := NewFileSource(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	rules, err := src.LoadGuardrails(context.Background(), "org-1", "agent-1")
	require.NoError(t, err)
	require.Len(t, rules, 1, "agent-9 rule is filtered out")
	assert.Equal(t, "no-ssn", rules[0].ID)
	assert.JSONEq(t, `{"pattern":"\\d{3}-\\d{2}-\\d{4}","ignore_case":false}`, string(rules[0].Condition))

	rules, err = src.LoadGuardrails(context.Background(), "org-1", "agent-9")
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestFileSource_RejectsInvalidRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardrails.yaml")
	bad := `guardrails:
  - id: broken
    org_id: org-1
    name: Broken
    rule_type: tool_policy
    action: block
    enabled: true
    condition: {tool_name: rm, policy: allow}
`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	_, err := NewFileSource(path, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, domain.ErrInvalidCondition)
}

func TestFileSource_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardrails.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFile), 0o644))

	src, err := NewFileSource(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	var reloaded atomic.Int32
	src.OnReload(func() { reloaded.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	single := `guardrails:
  - id: only
    org_id: org-1
    name: Only
    rule_type: keyword
    action: flag
    enabled: true
    condition: {keywords: [refund]}
`
	require.NoError(t, os.WriteFile(path, []byte(single), 0o644))

	require.Eventually(t, func() bool { return reloaded.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	rules, err := src.LoadGuardrails(context.Background(), "org-1", "agent-9")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "only", rules[0].ID)
}
