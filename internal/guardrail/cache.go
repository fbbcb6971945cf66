package guardrail

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader — источник правил (хранилище или файл).
type Loader interface {
	LoadGuardrails(ctx context.Context, orgID, agentID string) ([]domain.Guardrail, error)
}

// AllOrgs — payload сигнала, сбрасывающего кэш целиком.
const AllOrgs = "*"

type cacheEntry struct {
	rules    []domain.Guardrail
	loadedAt time.Time
}

// Cache — in-memory кэш правил перед хранилищем. Горячий путь пайплайна читает только память,
// хранилище трогается при промахе, по TTL и по сигналу обновления из консоли.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry // "org_id:agent_id" -> правила

	loader Loader
	group  singleflight.Group // Одна загрузка на ключ при наплыве запросов
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewCache(loader Loader, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		loader:  loader,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.Named("guardrail_cache"),
	}
}

// LoadGuardrails отдает правила из памяти, при промахе грузит из источника.
func (c *Cache) LoadGuardrails(ctx context.Context, orgID, agentID string) ([]domain.Guardrail, error) {
	key := orgID + ":" + agentID

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.loadedAt) < c.ttl {
		return e.rules, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		rules, err := c.loader.LoadGuardrails(ctx, orgID, agentID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{rules: rules, loadedAt: c.now()}
		c.mu.Unlock()
		return rules, nil
	})
	if err != nil {
		if ok {
			// Источник недоступен: лучше устаревшие правила, чем никаких
			c.logger.Warn("guardrail reload failed, serving stale rules", zap.String("key", key), zap.Error(err))
			return e.rules, nil
		}
		return nil, err
	}
	return v.([]domain.Guardrail), nil
}

// Invalidate сбрасывает правила организации (или все при AllOrgs).
func (c *Cache) Invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if orgID == AllOrgs || orgID == "" {
		c.entries = make(map[string]cacheEntry)
		c.logger.Info("guardrail cache cleared")
		return
	}
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, orgID+":") {
			delete(c.entries, key)
			removed++
		}
	}
	c.logger.Info("guardrail cache invalidated", zap.String("org_id", orgID), zap.Int("entries", removed))
}

// Refresh — полный сброс. Вызывается при (пере)подключении к шине сигналов,
// когда сигналы за время разрыва могли потеряться.
func (c *Cache) Refresh(context.Context) error {
	c.Invalidate(AllOrgs)
	return nil
}
