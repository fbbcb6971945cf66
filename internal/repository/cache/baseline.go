package cache

/*
Файл baseline.go — L2-кэш базовых линий в Redis перед хранилищем.

Базовая линия строится агрегацией сотен исполнений, поэтому пересчитывать ее на
каждое исполнение дорого. Кэш общий для всех инстансов верификатора:
- промах грузит линию из хранилища (singleflight на агента внутри инстанса);
- Warm при старте прогревает линии активных агентов, и делает это только один
  инстанс (распределенная блокировка SetNX);
- недоступный Redis не ломает пайплайн: читаем напрямую из хранилища.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL  = 10 * time.Minute
	warmLockTTL = 30 * time.Second
)

// Loader - источник базовых линий (postgres.Store или sqlite.Store).
type Loader interface {
	LoadSessionBaseline(ctx context.Context, agentID string) (*domain.Baseline, error)
}

type BaselineCache struct {
	rdb    *redis.Client
	loader Loader
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

func NewBaselineCache(rdb *redis.Client, loader Loader, ttl time.Duration, logger *zap.Logger) *BaselineCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &BaselineCache{
		rdb:    rdb,
		loader: loader,
		ttl:    ttl,
		logger: logger.Named("baseline_cache"),
	}
}

// LoadSessionBaseline реализует engine.BaselineLoader.
func (c *BaselineCache) LoadSessionBaseline(ctx context.Context, agentID string) (*domain.Baseline, error) {
	key := infra.BaselineKey(agentID)

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var b domain.Baseline
		if err := json.Unmarshal(data, &b); err == nil {
			return &b, nil
		}
		c.logger.Warn("corrupted baseline in cache, reloading", zap.String("agent_id", agentID))
	case !errors.Is(err, redis.Nil):
		// Redis недоступен: деградируем до чтения из хранилища
		c.logger.Warn("redis read failed", zap.String("key", key), zap.Error(err))
	}

	v, err, _ := c.group.Do(agentID, func() (any, error) {
		b, err := c.loader.LoadSessionBaseline(ctx, agentID)
		if err != nil {
			return nil, err
		}
		c.store(ctx, agentID, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	b, _ := v.(*domain.Baseline)
	return b, nil
}

// Invalidate удаляет линию агента из кэша (например, после ручной разметки истории).
func (c *BaselineCache) Invalidate(ctx context.Context, agentID string) error {
	return c.rdb.Del(ctx, infra.BaselineKey(agentID)).Err()
}

// Warm прогревает кэш для агентов. Если блокировку держит другой инстанс, ничего не делает.
func (c *BaselineCache) Warm(ctx context.Context, agentIDs []string) (int, error) {
	if len(agentIDs) == 0 {
		return 0, nil
	}
	ok, err := c.rdb.SetNX(ctx, infra.RedisKeyBaselineWarmLock, "processing", warmLockTTL).Result()
	if err != nil || !ok {
		return 0, err // Либо ошибка сети, либо другой уже греет кэш
	}

	pipe := c.rdb.Pipeline()
	warmed := 0
	for _, id := range agentIDs {
		b, err := c.loader.LoadSessionBaseline(ctx, id)
		if err != nil || b == nil {
			c.logger.Warn("skip baseline warm-up", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		data, err := json.Marshal(b)
		if err != nil {
			continue
		}
		pipe.Set(ctx, infra.BaselineKey(id), data, c.ttlFor(b))
		warmed++
	}
	if warmed == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	c.logger.Info("baseline cache warmed", zap.Int("agents", warmed))
	return warmed, nil
}

func (c *BaselineCache) store(ctx context.Context, agentID string, b *domain.Baseline) {
	if b == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, infra.BaselineKey(agentID), data, c.ttlFor(b)).Err(); err != nil {
		c.logger.Warn("redis write failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// ttlFor - недостаточная линия живет меньше: у нового агента история быстро растет.
func (c *BaselineCache) ttlFor(b *domain.Baseline) time.Duration {
	if b.Sufficient() {
		return c.ttl
	}
	return c.ttl / 4
}
