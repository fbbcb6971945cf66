package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// ExecutionReader - чтение сохраненных результатов верификации.
type ExecutionReader interface {
	GetExecution(ctx context.Context, orgID, id string) (*domain.ExecutionDetail, error)
	ListExecutions(ctx context.Context, f domain.ExecutionFilter) ([]domain.Execution, error)
	ListAlerts(ctx context.Context, orgID string, limit int) ([]domain.Alert, error)
}

type ExecutionService struct {
	repo ExecutionReader
}

func NewExecutionService(repo ExecutionReader) *ExecutionService {
	return &ExecutionService{repo: repo}
}

// Get отдает исполнение с проверками и попытками коррекции.
// ErrExecutionNotFound пробрасывается как есть, чтобы хендлер ответил 404.
func (s *ExecutionService) Get(ctx context.Context, orgID, id string) (*domain.ExecutionDetail, error) {
	return s.repo.GetExecution(ctx, orgID, id)
}

func (s *ExecutionService) List(ctx context.Context, f domain.ExecutionFilter) ([]domain.Execution, error) {
	if f.Action != "" && !f.Action.Valid() {
		return nil, fmt.Errorf("unknown action %q: %w", f.Action, ErrBadFilter)
	}
	out, err := s.repo.ListExecutions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("execution_service: failed to list executions: %w", err)
	}
	return out, nil
}

func (s *ExecutionService) Alerts(ctx context.Context, orgID string, limit int) ([]domain.Alert, error) {
	out, err := s.repo.ListAlerts(ctx, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("execution_service: failed to list alerts: %w", err)
	}
	return out, nil
}
