package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-verifier/internal/checks"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

const executionColumns = `id, org_id, agent_id, session_id, sequence_number, task, input, output,
	status, error, action, confidence, corrected, original_output,
	latency_ms, token_count, cost_estimate, trace, timestamp`

// SaveExecution пишет исполнение. Повторное сохранение того же id обновляет решение.
func (s *Store) SaveExecution(ctx context.Context, e domain.Execution) error {
	trace, err := marshalJSON(e.Steps, len(e.Steps) == 0)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode trace: %w", err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.db.Exec(ctx, query,
		e.ID, e.OrgID, e.AgentID, e.SessionID, e.SequenceNumber, e.Task, e.Input, e.Output,
		string(e.Status), e.Error, string(e.Action), e.Confidence, e.Corrected, e.OriginalOutput,
		e.LatencyMs, e.TokenCount, e.CostEstimate, trace, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save execution %s: %w", e.ID, err)
	}
	// Решение по исполнению окончательное, повторная запись его не переписывает
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: execution %s: %w", e.ID, domain.ErrExecutionExists)
	}
	return nil
}

// SaveCheckResults пишет результаты проверок одной пачкой. Повтор проверки того же типа
// для исполнения отбрасывается уникальным индексом.
func (s *Store) SaveCheckResults(ctx context.Context, results []domain.CheckResult) error {
	if len(results) == 0 {
		return nil
	}
	query := `
		INSERT INTO check_results (id, execution_id, ordinal, check_type, score, passed, details, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i, r := range results {
		details, err := marshalJSON(r.Details, len(r.Details) == 0)
		if err != nil {
			return fmt.Errorf("postgres: failed to encode %s details: %w", r.CheckType, err)
		}
		b.Queue(query, r.ID, r.ExecutionID, i, string(r.CheckType), r.Score, r.Passed, details, r.DurationMs)
	}
	if err := s.db.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("postgres: failed to save check results: %w", err)
	}
	return nil
}

// SaveCorrectionAttempts пишет попытки каскада одной пачкой.
func (s *Store) SaveCorrectionAttempts(ctx context.Context, attempts []domain.CorrectionAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	query := `
		INSERT INTO correction_attempts (id, execution_id, layer, layer_name, action_taken, success,
			confidence_before, confidence_after, corrected_output, latency_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for _, a := range attempts {
		b.Queue(query, a.ID, a.ExecutionID, int(a.Layer), a.LayerName, a.ActionTaken, a.Success,
			a.ConfidenceBefore, a.ConfidenceAfter, a.CorrectedOutput, a.LatencyMs, a.Error)
	}
	if err := s.db.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("postgres: failed to save correction attempts: %w", err)
	}
	return nil
}

// LoadSessionBaseline строит базовую линию агента по последним исполнениям с решением pass.
func (s *Store) LoadSessionBaseline(ctx context.Context, agentID string) (*domain.Baseline, error) {
	query := `
		SELECT output, task FROM executions
		WHERE agent_id = $1 AND action = 'pass' AND status = 'success'
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, agentID, baselineSamples)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load baseline: %w", err)
	}
	defer rows.Close()

	var outputs, tasks []string
	for rows.Next() {
		var out, task string
		if err := rows.Scan(&out, &task); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan baseline row: %w", err)
		}
		outputs = append(outputs, out)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to load baseline: %w", err)
	}
	return checks.BuildBaseline(agentID, outputs, tasks), nil
}

// RecentAgents - агенты, у которых были исполнения после since (для прогрева кэша).
func (s *Store) RecentAgents(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT agent_id FROM executions WHERE timestamp >= $1 ORDER BY agent_id`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list recent agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetExecution отдает исполнение организации вместе с проверками и попытками.
func (s *Store) GetExecution(ctx context.Context, orgID, id string) (*domain.ExecutionDetail, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1 AND org_id = $2`

	e, err := scanExecution(s.db.QueryRow(ctx, query, id, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get execution %s: %w", id, err)
	}

	detail := &domain.ExecutionDetail{Execution: *e}
	if detail.Checks, err = s.checkResults(ctx, id); err != nil {
		return nil, err
	}
	if detail.Attempts, err = s.correctionAttempts(ctx, id); err != nil {
		return nil, err
	}
	return detail, nil
}

// ListExecutions - последние исполнения по фильтру, новые первыми.
func (s *Store) ListExecutions(ctx context.Context, f domain.ExecutionFilter) ([]domain.Execution, error) {
	where := []string{"org_id = $1"}
	args := []any{f.OrgID}
	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id", f.AgentID)
	}
	if f.SessionID != "" {
		add("session_id", f.SessionID)
	}
	if f.Action != "" {
		add("action", string(f.Action))
	}
	args = append(args, f.NormalizedLimit())

	query := fmt.Sprintf(`SELECT %s FROM executions WHERE %s ORDER BY timestamp DESC LIMIT $%d`,
		executionColumns, strings.Join(where, " AND "), len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) checkResults(ctx context.Context, executionID string) ([]domain.CheckResult, error) {
	query := `
		SELECT id, execution_id, check_type, score, passed, details, duration_ms
		FROM check_results WHERE execution_id = $1 ORDER BY ordinal`

	rows, err := s.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load check results: %w", err)
	}
	defer rows.Close()

	var out []domain.CheckResult
	for rows.Next() {
		var (
			r         domain.CheckResult
			checkType string
			details   []byte
		)
		if err := rows.Scan(&r.ID, &r.ExecutionID, &checkType, &r.Score, &r.Passed, &details, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan check result: %w", err)
		}
		r.CheckType = domain.CheckType(checkType)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &r.Details); err != nil {
				s.logger.Warn("corrupted check details", zap.String("check_id", r.ID), zap.Error(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) correctionAttempts(ctx context.Context, executionID string) ([]domain.CorrectionAttempt, error) {
	query := `
		SELECT id, execution_id, layer, layer_name, action_taken, success,
			confidence_before, confidence_after, corrected_output, latency_ms, error
		FROM correction_attempts WHERE execution_id = $1 ORDER BY layer`

	rows, err := s.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load correction attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.CorrectionAttempt
	for rows.Next() {
		var (
			a     domain.CorrectionAttempt
			layer int
		)
		if err := rows.Scan(&a.ID, &a.ExecutionID, &layer, &a.LayerName, &a.ActionTaken, &a.Success,
			&a.ConfidenceBefore, &a.ConfidenceAfter, &a.CorrectedOutput, &a.LatencyMs, &a.Error); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan correction attempt: %w", err)
		}
		a.Layer = domain.Layer(layer)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var (
		e              domain.Execution
		status, action string
		trace          []byte
	)
	err := row.Scan(
		&e.ID, &e.OrgID, &e.AgentID, &e.SessionID, &e.SequenceNumber, &e.Task, &e.Input, &e.Output,
		&status, &e.Error, &action, &e.Confidence, &e.Corrected, &e.OriginalOutput,
		&e.LatencyMs, &e.TokenCount, &e.CostEstimate, &trace, &e.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	e.Status = domain.ExecutionStatus(status)
	e.Action = domain.Action(action)
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &e.Steps); err != nil {
			return nil, fmt.Errorf("decode trace: %w", err)
		}
	}
	return &e, nil
}

// marshalJSON кодирует значение для jsonb. Пустое значение пишется как NULL.
func marshalJSON(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}
