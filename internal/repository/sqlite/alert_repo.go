package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

func (s *Store) WriteAlerts(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO alerts (id, org_id, agent_id, execution_id, kind, severity, message, details, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range alerts {
			var details []byte
			if len(a.Details) > 0 {
				if details, err = json.Marshal(a.Details); err != nil {
					return fmt.Errorf("encode alert details: %w", err)
				}
			}
			ts := a.Timestamp
			if ts.IsZero() {
				ts = s.now()
			}
			if _, err := stmt.ExecContext(ctx, a.ID, a.OrgID, a.AgentID, a.ExecutionID,
				string(a.Kind), string(a.Severity), a.Message, nullJSON(details), unixNano(ts)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: write %d alerts: %w", len(alerts), err)
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, orgID string, limit int) ([]domain.Alert, error) {
	limit = domain.ExecutionFilter{Limit: limit}.NormalizedLimit()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, agent_id, execution_id, kind, severity, message, details, timestamp
		FROM alerts WHERE org_id = ? ORDER BY timestamp DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var (
			a              domain.Alert
			kind, severity string
			details        sql.NullString
			ts             int64
		)
		if err := rows.Scan(&a.ID, &a.OrgID, &a.AgentID, &a.ExecutionID, &kind, &severity,
			&a.Message, &details, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan alert: %w", err)
		}
		a.Kind = domain.AlertKind(kind)
		a.Severity = domain.AlertSeverity(severity)
		a.Timestamp = fromUnixNano(ts)
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &a.Details)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
