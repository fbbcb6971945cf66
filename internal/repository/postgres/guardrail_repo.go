package postgres

/*
Файл guardrail_repo.go отвечает за хранение пользовательских правил (guardrails).
Пайплайн только читает правила (через in-memory кэш), запись идет из консоли.
Невалидное условие не доходит до базы: каждое правило проверяется перед записью.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
)

const guardrailColumns = `id, org_id, agent_id, name, rule_type, condition, action, enabled, created_at, updated_at`

// LoadGuardrails - включенные правила организации для агента (свои и общие), в порядке создания.
func (s *Store) LoadGuardrails(ctx context.Context, orgID, agentID string) ([]domain.Guardrail, error) {
	query := `SELECT ` + guardrailColumns + `
		FROM guardrails
		WHERE org_id = $1 AND enabled AND (agent_id IS NULL OR agent_id = $2)
		ORDER BY created_at, id`

	return s.queryGuardrails(ctx, query, orgID, agentID)
}

// ListGuardrails - все правила организации, включая выключенные.
func (s *Store) ListGuardrails(ctx context.Context, orgID string) ([]domain.Guardrail, error) {
	query := `SELECT ` + guardrailColumns + ` FROM guardrails WHERE org_id = $1 ORDER BY created_at, id`
	return s.queryGuardrails(ctx, query, orgID)
}

func (s *Store) GetGuardrail(ctx context.Context, orgID, id string) (*domain.Guardrail, error) {
	query := `SELECT ` + guardrailColumns + ` FROM guardrails WHERE id = $1 AND org_id = $2`

	g, err := scanGuardrail(s.db.QueryRow(ctx, query, id, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrGuardrailNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get guardrail %s: %w", id, err)
	}
	return g, nil
}

// CreateGuardrail проверяет и сохраняет новое правило. ID и время заполняются здесь.
func (s *Store) CreateGuardrail(ctx context.Context, g *domain.Guardrail) error {
	if err := guardrail.ValidateGuardrail(*g); err != nil {
		return err
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := s.now()
	g.CreatedAt, g.UpdatedAt = now, now

	query := `INSERT INTO guardrails (` + guardrailColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.Exec(ctx, query,
		g.ID, g.OrgID, g.AgentID, g.Name, string(g.RuleType), []byte(g.Condition),
		string(g.Action), g.Enabled, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create guardrail: %w", err)
	}
	return nil
}

// UpdateGuardrail заменяет правило целиком (в пределах организации).
func (s *Store) UpdateGuardrail(ctx context.Context, g *domain.Guardrail) error {
	if err := guardrail.ValidateGuardrail(*g); err != nil {
		return err
	}
	g.UpdatedAt = s.now()

	query := `
		UPDATE guardrails
		SET agent_id = $3, name = $4, rule_type = $5, condition = $6, action = $7, enabled = $8, updated_at = $9
		WHERE id = $1 AND org_id = $2`

	tag, err := s.db.Exec(ctx, query,
		g.ID, g.OrgID, g.AgentID, g.Name, string(g.RuleType), []byte(g.Condition),
		string(g.Action), g.Enabled, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update guardrail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrGuardrailNotFound
	}
	return nil
}

func (s *Store) DeleteGuardrail(ctx context.Context, orgID, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM guardrails WHERE id = $1 AND org_id = $2`, id, orgID)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete guardrail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrGuardrailNotFound
	}
	return nil
}

func (s *Store) queryGuardrails(ctx context.Context, query string, args ...any) ([]domain.Guardrail, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load guardrails: %w", err)
	}
	defer rows.Close()

	var out []domain.Guardrail
	for rows.Next() {
		g, err := scanGuardrail(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan guardrail: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGuardrail(row pgx.Row) (*domain.Guardrail, error) {
	var (
		g                domain.Guardrail
		ruleType, action string
		condition        []byte
	)
	err := row.Scan(&g.ID, &g.OrgID, &g.AgentID, &g.Name, &ruleType, &condition, &action,
		&g.Enabled, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.RuleType = domain.RuleType(ruleType)
	g.Action = domain.Action(action)
	g.Condition = condition
	return &g, nil
}
