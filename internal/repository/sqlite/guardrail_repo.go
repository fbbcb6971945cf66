package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
)

const guardrailColumns = `id, org_id, agent_id, name, rule_type, condition, action, enabled, created_at, updated_at`

func (s *Store) LoadGuardrails(ctx context.Context, orgID, agentID string) ([]domain.Guardrail, error) {
	return s.queryGuardrails(ctx, `SELECT `+guardrailColumns+`
		FROM guardrails
		WHERE org_id = ? AND enabled = 1 AND (agent_id IS NULL OR agent_id = ?)
		ORDER BY created_at, id`, orgID, agentID)
}

func (s *Store) ListGuardrails(ctx context.Context, orgID string) ([]domain.Guardrail, error) {
	return s.queryGuardrails(ctx, `SELECT `+guardrailColumns+` FROM guardrails WHERE org_id = ? ORDER BY created_at, id`, orgID)
}

func (s *Store) GetGuardrail(ctx context.Context, orgID, id string) (*domain.Guardrail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+guardrailColumns+` FROM guardrails WHERE id = ? AND org_id = ?`, id, orgID)
	g, err := scanGuardrail(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrGuardrailNotFound
		}
		return nil, fmt.Errorf("sqlite: get guardrail %s: %w", id, err)
	}
	return g, nil
}

func (s *Store) CreateGuardrail(ctx context.Context, g *domain.Guardrail) error {
	if err := guardrail.ValidateGuardrail(*g); err != nil {
		return err
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := s.now()
	g.CreatedAt, g.UpdatedAt = now, now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO guardrails (`+guardrailColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.OrgID, g.AgentID, g.Name, string(g.RuleType), string(g.Condition),
		string(g.Action), g.Enabled, unixNano(g.CreatedAt), unixNano(g.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create guardrail: %w", err)
	}
	return nil
}

func (s *Store) UpdateGuardrail(ctx context.Context, g *domain.Guardrail) error {
	if err := guardrail.ValidateGuardrail(*g); err != nil {
		return err
	}
	g.UpdatedAt = s.now()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE guardrails
		SET agent_id = ?, name = ?, rule_type = ?, condition = ?, action = ?, enabled = ?, updated_at = ?
		WHERE id = ? AND org_id = ?`,
		g.AgentID, g.Name, string(g.RuleType), string(g.Condition), string(g.Action), g.Enabled,
		unixNano(g.UpdatedAt), g.ID, g.OrgID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update guardrail: %w", err)
	}
	return affected(res, domain.ErrGuardrailNotFound)
}

func (s *Store) DeleteGuardrail(ctx context.Context, orgID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM guardrails WHERE id = ? AND org_id = ?`, id, orgID)
	if err != nil {
		return fmt.Errorf("sqlite: delete guardrail: %w", err)
	}
	return affected(res, domain.ErrGuardrailNotFound)
}

func (s *Store) queryGuardrails(ctx context.Context, query string, args ...any) ([]domain.Guardrail, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load guardrails: %w", err)
	}
	defer rows.Close()

	var out []domain.Guardrail
	for rows.Next() {
		g, err := scanGuardrail(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan guardrail: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGuardrail(row rowScanner) (*domain.Guardrail, error) {
	var (
		g                           domain.Guardrail
		ruleType, action, condition string
		created, updated            int64
	)
	err := row.Scan(&g.ID, &g.OrgID, &g.AgentID, &g.Name, &ruleType, &condition, &action,
		&g.Enabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	g.RuleType = domain.RuleType(ruleType)
	g.Action = domain.Action(action)
	g.Condition = []byte(condition)
	g.CreatedAt = fromUnixNano(created)
	g.UpdatedAt = fromUnixNano(updated)
	return &g, nil
}

func affected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
