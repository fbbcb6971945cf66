package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap"
)

// GuardrailRepository описывает требования сервиса к хранилищу правил.
// Реализуется postgres.Store и sqlite.Store.
type GuardrailRepository interface {
	ListGuardrails(ctx context.Context, orgID string) ([]domain.Guardrail, error)
	GetGuardrail(ctx context.Context, orgID, id string) (*domain.Guardrail, error)
	CreateGuardrail(ctx context.Context, g *domain.Guardrail) error
	UpdateGuardrail(ctx context.Context, g *domain.Guardrail) error
	DeleteGuardrail(ctx context.Context, orgID, id string) error
}

type GuardrailService struct {
	repo GuardrailRepository
	rdb  *redis.Client

	// onChange - локальная инвалидация, когда консоль живет в одном процессе с пайплайном
	onChange func(orgID string)
	logger   *zap.Logger
}

func NewGuardrailService(repo GuardrailRepository, rdb *redis.Client, logger *zap.Logger) *GuardrailService {
	return &GuardrailService{
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("guardrail_service"),
	}
}

// OnChange регистрирует колбэк, вызываемый после каждого изменения правил организации.
func (s *GuardrailService) OnChange(fn func(orgID string)) {
	s.onChange = fn
}

func (s *GuardrailService) List(ctx context.Context, orgID string) ([]domain.Guardrail, error) {
	return s.repo.ListGuardrails(ctx, orgID)
}

func (s *GuardrailService) Get(ctx context.Context, orgID, id string) (*domain.Guardrail, error) {
	return s.repo.GetGuardrail(ctx, orgID, id)
}

// Create сохраняет правило и уведомляет верификаторы об обновлении
func (s *GuardrailService) Create(ctx context.Context, g *domain.Guardrail) error {
	if err := s.repo.CreateGuardrail(ctx, g); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, g.OrgID)
}

// Update перезаписывает правило целиком. Время создания берется из хранилища.
func (s *GuardrailService) Update(ctx context.Context, g *domain.Guardrail) error {
	if err := s.repo.UpdateGuardrail(ctx, g); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, g.OrgID)
}

func (s *GuardrailService) Delete(ctx context.Context, orgID, id string) error {
	if err := s.repo.DeleteGuardrail(ctx, orgID, id); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, orgID)
}

// notifyUpdate отправляет org_id в канал обновлений.
// Все инстансы верификатора, подписанные на канал, сбросят правила этой организации.
func (s *GuardrailService) notifyUpdate(ctx context.Context, orgID string) error {
	if s.onChange != nil {
		s.onChange(orgID)
	}
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanGuardrailUpdate, orgID).Err(); err != nil {
		s.logger.Warn("failed to publish guardrail update", zap.String("org_id", orgID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrNotBroadcast, err)
	}
	return nil
}
