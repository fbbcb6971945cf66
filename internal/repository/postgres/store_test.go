package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
	"go.uber.org/zap/zaptest"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s := NewStore(mock, zaptest.NewLogger(t))
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

var guardrailCols = []string{"id", "org_id", "agent_id", "name", "rule_type", "condition", "action", "enabled", "created_at", "updated_at"}

var executionCols = []string{"id", "org_id", "agent_id", "session_id", "sequence_number", "task", "input", "output",
	"status", "error", "action", "confidence", "corrected", "original_output",
	"latency_ms", "token_count", "cost_estimate", "trace", "timestamp"}

func TestStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS executions").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveExecution(t *testing.T) {
	s, mock := newMockStore(t)
	seq := int64(2)
	e := domain.Execution{
		ID:             "exec-1",
		OrgID:          "org-1",
		AgentID:        "support-bot",
		SessionID:      "sess-1",
		SequenceNumber: &seq,
		Task:           "answer refund question",
		Output:         "Refunds within 30 days of purchase",
		Status:         domain.ExecutionSuccess,
		Action:         domain.ActionPass,
		Confidence:     domain.Float(0.92),
		Corrected:      true,
		OriginalOutput: domain.String("The refund policy allows 45 days"),
		LatencyMs:      120,
		Steps:          []domain.Step{{Type: domain.StepTool, Name: "kb.search"}},
	}

	args := anyArgs(19)
	args[0], args[2], args[10] = "exec-1", "support-bot", "pass"
	args[18] = fixedNow
	mock.ExpectExec("INSERT INTO executions").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveExecution(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveExecutionWrapsError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO executions").WithArgs(anyArgs(19)...).WillReturnError(errors.New("conn refused"))

	err := s.SaveExecution(context.Background(), domain.Execution{ID: "exec-1", AgentID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: failed to save execution exec-1")
}

func TestStore_SaveExecutionDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("ON CONFLICT \\(id\\) DO NOTHING").WithArgs(anyArgs(19)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.SaveExecution(context.Background(), domain.Execution{ID: "exec-1", AgentID: "a", Action: domain.ActionPass})
	assert.ErrorIs(t, err, domain.ErrExecutionExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveCheckResultsIgnoresRepeatedType(t *testing.T) {
	s, mock := newMockStore(t)
	eb := mock.ExpectBatch()
	eb.ExpectExec("(?s)INSERT INTO check_results.*ON CONFLICT DO NOTHING").
		WithArgs("c9", "exec-1", 0, "schema", domain.Float(1), true, []byte(nil), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.SaveCheckResults(context.Background(), []domain.CheckResult{
		{ID: "c9", ExecutionID: "exec-1", CheckType: domain.CheckSchema, Score: domain.Float(1), Passed: true},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchema_OneResultPerCheckType(t *testing.T) {
	assert.Contains(t, schema, "UNIQUE INDEX IF NOT EXISTS uq_check_results_execution_type ON check_results (execution_id, check_type)")
	assert.Contains(t, schema, "UNIQUE INDEX IF NOT EXISTS uq_correction_attempts_execution_layer ON correction_attempts (execution_id, layer)")
}

func TestStore_SaveCheckResultsBatch(t *testing.T) {
	s, mock := newMockStore(t)
	results := []domain.CheckResult{
		{ID: "c1", ExecutionID: "exec-1", CheckType: domain.CheckSchema, Score: domain.Float(1), Passed: true},
		{ID: "c2", ExecutionID: "exec-1", CheckType: domain.CheckHallucination, Score: domain.Float(0.1),
			Details: map[string]any{"unsupported_claims": []string{"45 days"}}},
	}

	eb := mock.ExpectBatch()
	eb.ExpectExec("INSERT INTO check_results").
		WithArgs("c1", "exec-1", 0, "schema", domain.Float(1), true, []byte(nil), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	eb.ExpectExec("INSERT INTO check_results").
		WithArgs("c2", "exec-1", 1, "hallucination", pgxmock.AnyArg(), false, pgxmock.AnyArg(), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveCheckResults(context.Background(), results))
	require.NoError(t, mock.ExpectationsWereMet())

	// Пустой список не ходит в базу
	require.NoError(t, s.SaveCheckResults(context.Background(), nil))
}

func TestStore_SaveCorrectionAttemptsBatch(t *testing.T) {
	s, mock := newMockStore(t)
	attempts := []domain.CorrectionAttempt{
		{ID: "a1", ExecutionID: "exec-1", Layer: domain.LayerRepair, LayerName: "repair", Error: "nothing to repair"},
		{ID: "a2", ExecutionID: "exec-1", Layer: domain.LayerConstrainedRegen, LayerName: "constrained_regen", Success: true},
	}

	eb := mock.ExpectBatch()
	for _, a := range attempts {
		args := anyArgs(11)
		args[0], args[2], args[5] = a.ID, int(a.Layer), a.Success
		eb.ExpectExec("INSERT INTO correction_attempts").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, s.SaveCorrectionAttempts(context.Background(), attempts))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadGuardrails(t *testing.T) {
	s, mock := newMockStore(t)
	rows := pgxmock.NewRows(guardrailCols).
		AddRow("g1", "org-1", nil, "no long refunds", "keyword", []byte(`{"keywords":["45 days"]}`), "block", true, fixedNow, fixedNow).
		AddRow("g2", "org-1", domain.String("support-bot"), "no pii", "regex", []byte(`{"pattern":"\\d{16}"}`), "flag", true, fixedNow, fixedNow)
	mock.ExpectQuery("FROM guardrails").WithArgs("org-1", "support-bot").WillReturnRows(rows)

	got, err := s.LoadGuardrails(context.Background(), "org-1", "support-bot")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Nil(t, got[0].AgentID)
	assert.Equal(t, domain.RuleKeyword, got[0].RuleType)
	assert.Equal(t, domain.ActionBlock, got[0].Action)
	assert.JSONEq(t, `{"keywords":["45 days"]}`, string(got[0].Condition))
	require.NotNil(t, got[1].AgentID)
	assert.Equal(t, "support-bot", *got[1].AgentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateGuardrailValidatesFirst(t *testing.T) {
	s, mock := newMockStore(t)

	bad := &domain.Guardrail{OrgID: "org-1", Name: "broken", RuleType: domain.RuleRegex,
		Condition: json.RawMessage(`{"pattern":"("}`), Action: domain.ActionBlock, Enabled: true}
	err := s.CreateGuardrail(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidCondition)
	var ce *guardrail.ConditionError
	assert.True(t, errors.As(err, &ce))

	good := &domain.Guardrail{OrgID: "org-1", Name: "no long refunds", RuleType: domain.RuleKeyword,
		Condition: json.RawMessage(`{"keywords":["45 days"]}`), Action: domain.ActionBlock, Enabled: true}
	args := anyArgs(10)
	args[1], args[4], args[6] = "org-1", "keyword", "block"
	mock.ExpectExec("INSERT INTO guardrails").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateGuardrail(context.Background(), good))
	assert.NotEmpty(t, good.ID)
	assert.Equal(t, fixedNow, good.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateAndDeleteNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	g := &domain.Guardrail{ID: "g404", OrgID: "org-1", Name: "x", RuleType: domain.RuleKeyword,
		Condition: json.RawMessage(`{"keywords":["x"]}`), Action: domain.ActionFlag}

	mock.ExpectExec("UPDATE guardrails").WithArgs(anyArgs(9)...).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("DELETE FROM guardrails").WithArgs("g404", "org-1").WillReturnResult(pgxmock.NewResult("DELETE", 0))

	assert.ErrorIs(t, s.UpdateGuardrail(context.Background(), g), domain.ErrGuardrailNotFound)
	assert.ErrorIs(t, s.DeleteGuardrail(context.Background(), "org-1", "g404"), domain.ErrGuardrailNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetGuardrailNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM guardrails WHERE id").WithArgs("g1", "org-2").WillReturnRows(pgxmock.NewRows(guardrailCols))

	_, err := s.GetGuardrail(context.Background(), "org-2", "g1")
	assert.ErrorIs(t, err, domain.ErrGuardrailNotFound)
}

func TestStore_LoadSessionBaseline(t *testing.T) {
	s, mock := newMockStore(t)
	rows := pgxmock.NewRows([]string{"output", "task"})
	for i := 0; i < 6; i++ {
		rows.AddRow("Refunds are accepted within 30 days of purchase", "refund policy question")
	}
	mock.ExpectQuery("FROM executions").WithArgs("support-bot", baselineSamples).WillReturnRows(rows)

	b, err := s.LoadSessionBaseline(context.Background(), "support-bot")
	require.NoError(t, err)
	assert.Equal(t, 6, b.SampleCount)
	assert.True(t, b.Sufficient())
	assert.Contains(t, b.TaskKeywords, "refund")
}

func TestStore_GetExecutionDetail(t *testing.T) {
	s, mock := newMockStore(t)
	seq := int64(1)
	mock.ExpectQuery("FROM executions WHERE id").WithArgs("exec-1", "org-1").WillReturnRows(
		pgxmock.NewRows(executionCols).AddRow(
			"exec-1", "org-1", "support-bot", "sess-1", &seq, "task", "input", "Refunds within 30 days of purchase",
			"success", "", "pass", domain.Float(0.92), true, domain.String("The refund policy allows 45 days"),
			int64(120), 0, 0.0, []byte(`[{"type":"tool","name":"kb.search","at":"2026-03-14T09:30:00Z"}]`), fixedNow,
		))
	mock.ExpectQuery("FROM check_results").WithArgs("exec-1").WillReturnRows(
		pgxmock.NewRows([]string{"id", "execution_id", "check_type", "score", "passed", "details", "duration_ms"}).
			AddRow("c1", "exec-1", "guardrails", nil, false, []byte(`{"override":"block"}`), int64(3)))
	mock.ExpectQuery("FROM correction_attempts").WithArgs("exec-1").WillReturnRows(
		pgxmock.NewRows([]string{"id", "execution_id", "layer", "layer_name", "action_taken", "success",
			"confidence_before", "confidence_after", "corrected_output", "latency_ms", "error"}).
			AddRow("a1", "exec-1", 2, "constrained_regen", "regenerated", true,
				domain.Float(0.385), domain.Float(0.92), domain.String("Refunds within 30 days of purchase"), int64(40), ""))

	d, err := s.GetExecution(context.Background(), "org-1", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPass, d.Action)
	assert.Equal(t, int64(1), *d.SequenceNumber)
	assert.Equal(t, "The refund policy allows 45 days", *d.OriginalOutput)
	require.Len(t, d.Steps, 1)
	assert.Equal(t, "kb.search", d.Steps[0].Name)

	require.Len(t, d.Checks, 1)
	ov, ok := d.Checks[0].Override()
	assert.True(t, ok)
	assert.Equal(t, domain.ActionBlock, ov)

	require.Len(t, d.Attempts, 1)
	assert.Equal(t, domain.LayerConstrainedRegen, d.Attempts[0].Layer)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetExecutionNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM executions WHERE id").WithArgs("nope", "org-1").WillReturnRows(pgxmock.NewRows(executionCols))

	_, err := s.GetExecution(context.Background(), "org-1", "nope")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
}

func TestStore_ListExecutionsBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`WHERE org_id = \$1 AND agent_id = \$2 AND action = \$3 ORDER BY timestamp DESC LIMIT \$4`).
		WithArgs("org-1", "support-bot", "block", domain.MaxListLimit).
		WillReturnRows(pgxmock.NewRows(executionCols))

	got, err := s.ListExecutions(context.Background(), domain.ExecutionFilter{
		OrgID: "org-1", AgentID: "support-bot", Action: domain.ActionBlock, Limit: 10_000,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WriteAlertsSingleStatement(t *testing.T) {
	s, mock := newMockStore(t)
	alerts := []domain.Alert{
		{ID: "al-1", Kind: domain.AlertExecutionBlocked, Severity: domain.SeverityWarning, Message: "blocked"},
		{ID: "al-2", Kind: domain.AlertPersistFailed, Severity: domain.SeverityError, Message: "db down",
			Details: map[string]any{"stage": "execution"}},
	}
	mock.ExpectExec(`INSERT INTO alerts .* VALUES \(\$1, .*\), \(\$10, .*\$18\)`).
		WithArgs(anyArgs(18)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, s.WriteAlerts(context.Background(), alerts))
	require.NoError(t, mock.ExpectationsWereMet())
}
