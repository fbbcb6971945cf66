package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// alertFields - количество колонок в таблице alerts.
const alertFields = 9

// WriteAlerts реализует alert.Writer: одна вставка на всю пачку.
func (s *Store) WriteAlerts(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	var placeholders strings.Builder
	vals := make([]any, 0, len(alerts)*alertFields)

	// Динамически строим запрос для пакетной вставки
	for i, a := range alerts {
		p := i * alertFields
		if i > 0 {
			placeholders.WriteString(", ")
		}
		fmt.Fprintf(&placeholders, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		details, err := marshalJSON(a.Details, len(a.Details) == 0)
		if err != nil {
			return fmt.Errorf("postgres: failed to encode alert details: %w", err)
		}
		ts := a.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		vals = append(vals,
			a.ID, a.OrgID, a.AgentID, a.ExecutionID,
			string(a.Kind), string(a.Severity), a.Message, details, ts,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO alerts (id, org_id, agent_id, execution_id, kind, severity, message, details, timestamp) VALUES %s ON CONFLICT (id) DO NOTHING",
		placeholders.String(),
	)
	if _, err := s.db.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write %d alerts: %w", len(alerts), err)
	}
	return nil
}

// ListAlerts - последние алерты организации, новые первыми.
func (s *Store) ListAlerts(ctx context.Context, orgID string, limit int) ([]domain.Alert, error) {
	limit = domain.ExecutionFilter{Limit: limit}.NormalizedLimit()
	query := `
		SELECT id, org_id, agent_id, execution_id, kind, severity, message, details, timestamp
		FROM alerts WHERE org_id = $1 ORDER BY timestamp DESC LIMIT $2`

	rows, err := s.db.Query(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var (
			a              domain.Alert
			kind, severity string
			details        []byte
		)
		if err := rows.Scan(&a.ID, &a.OrgID, &a.AgentID, &a.ExecutionID, &kind, &severity,
			&a.Message, &details, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan alert: %w", err)
		}
		a.Kind = domain.AlertKind(kind)
		a.Severity = domain.AlertSeverity(severity)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &a.Details)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
