package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/checks"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

const executionColumns = `id, org_id, agent_id, session_id, sequence_number, task, input, output,
	status, error, action, confidence, corrected, original_output,
	latency_ms, token_count, cost_estimate, trace, timestamp`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) SaveExecution(ctx context.Context, e domain.Execution) error {
	var trace []byte
	if len(e.Steps) > 0 {
		var err error
		if trace, err = json.Marshal(e.Steps); err != nil {
			return fmt.Errorf("sqlite: encode trace: %w", err)
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, query,
		e.ID, e.OrgID, e.AgentID, e.SessionID, e.SequenceNumber, e.Task, e.Input, e.Output,
		string(e.Status), e.Error, string(e.Action), e.Confidence, e.Corrected, e.OriginalOutput,
		e.LatencyMs, e.TokenCount, e.CostEstimate, nullJSON(trace), unixNano(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save execution %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlite: execution %s: %w", e.ID, domain.ErrExecutionExists)
	}
	return nil
}

func (s *Store) SaveCheckResults(ctx context.Context, results []domain.CheckResult) error {
	if len(results) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO check_results (id, execution_id, ordinal, check_type, score, passed, details, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, r := range results {
			var details []byte
			if len(r.Details) > 0 {
				if details, err = json.Marshal(r.Details); err != nil {
					return fmt.Errorf("encode %s details: %w", r.CheckType, err)
				}
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.ExecutionID, i, string(r.CheckType), r.Score, r.Passed,
				nullJSON(details), r.DurationMs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: save check results: %w", err)
	}
	return nil
}

func (s *Store) SaveCorrectionAttempts(ctx context.Context, attempts []domain.CorrectionAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO correction_attempts (id, execution_id, layer, layer_name, action_taken, success,
				confidence_before, confidence_after, corrected_output, latency_ms, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range attempts {
			if _, err := stmt.ExecContext(ctx, a.ID, a.ExecutionID, int(a.Layer), a.LayerName, a.ActionTaken, a.Success,
				a.ConfidenceBefore, a.ConfidenceAfter, a.CorrectedOutput, a.LatencyMs, a.Error); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: save correction attempts: %w", err)
	}
	return nil
}

func (s *Store) LoadSessionBaseline(ctx context.Context, agentID string) (*domain.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT output, task FROM executions
		WHERE agent_id = ? AND action = 'pass' AND status = 'success'
		ORDER BY timestamp DESC
		LIMIT ?`, agentID, baselineSamples)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load baseline: %w", err)
	}
	defer rows.Close()

	var outputs, tasks []string
	for rows.Next() {
		var out, task string
		if err := rows.Scan(&out, &task); err != nil {
			return nil, fmt.Errorf("sqlite: scan baseline row: %w", err)
		}
		outputs = append(outputs, out)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load baseline: %w", err)
	}
	return checks.BuildBaseline(agentID, outputs, tasks), nil
}

func (s *Store) RecentAgents(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM executions WHERE timestamp >= ? ORDER BY agent_id`, unixNano(since))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list recent agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan agent id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) GetExecution(ctx context.Context, orgID, id string) (*domain.ExecutionDetail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ? AND org_id = ?`, id, orgID)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("sqlite: get execution %s: %w", id, err)
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

func (s *Store) ListExecutions(ctx context.Context, f domain.ExecutionFilter) ([]domain.Execution, error) {
	where := []string{"org_id = ?"}
	args := []any{f.OrgID}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	args = append(args, f.NormalizedLimit())

	query := fmt.Sprintf(`SELECT %s FROM executions WHERE %s ORDER BY timestamp DESC LIMIT ?`,
		executionColumns, strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) checkResults(ctx context.Context, executionID string) ([]domain.CheckResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, check_type, score, passed, details, duration_ms
		FROM check_results WHERE execution_id = ? ORDER BY ordinal`, executionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load check results: %w", err)
	}
	defer rows.Close()

	var out []domain.CheckResult
	for rows.Next() {
		var (
			r         domain.CheckResult
			checkType string
			details   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ExecutionID, &checkType, &r.Score, &r.Passed, &details, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("sqlite: scan check result: %w", err)
		}
		r.CheckType = domain.CheckType(checkType)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &r.Details); err != nil {
				s.logger.Warn("corrupted check details", zap.String("check_id", r.ID), zap.Error(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) correctionAttempts(ctx context.Context, executionID string) ([]domain.CorrectionAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, layer, layer_name, action_taken, success,
			confidence_before, confidence_after, corrected_output, latency_ms, error
		FROM correction_attempts WHERE execution_id = ? ORDER BY layer`, executionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load correction attempts: %w", err)
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
			return nil, fmt.Errorf("sqlite: scan correction attempt: %w", err)
		}
		a.Layer = domain.Layer(layer)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var (
		e              domain.Execution
		status, action string
		trace          sql.NullString
		ts             int64
	)
	err := row.Scan(
		&e.ID, &e.OrgID, &e.AgentID, &e.SessionID, &e.SequenceNumber, &e.Task, &e.Input, &e.Output,
		&status, &e.Error, &action, &e.Confidence, &e.Corrected, &e.OriginalOutput,
		&e.LatencyMs, &e.TokenCount, &e.CostEstimate, &trace, &ts,
	)
	if err != nil {
		return nil, err
	}
	e.Status = domain.ExecutionStatus(status)
	e.Action = domain.Action(action)
	e.Timestamp = fromUnixNano(ts)
	if trace.Valid {
		if err := json.Unmarshal([]byte(trace.String), &e.Steps); err != nil {
			return nil, fmt.Errorf("decode trace: %w", err)
		}
	}
	return &e, nil
}
