package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-verifier/internal/alert"
	"github.com/xela07ax/spaceai-verifier/internal/console/service"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"github.com/xela07ax/spaceai-verifier/internal/infra/auth"
	"github.com/xela07ax/spaceai-verifier/internal/repository/postgres"
	"github.com/xela07ax/spaceai-verifier/internal/repository/sqlite"
	"go.uber.org/zap"
)

// Store — все, что бинарникам нужно от хранилища. Реализуют postgres.Store и sqlite.Store.
type Store interface {
	engine.Persister
	alert.Writer
	service.GuardrailRepository
	service.ExecutionReader
	RecentAgents(ctx context.Context, since time.Time) ([]string, error)
}

var (
	_ Store = (*postgres.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
)

// OpenStore открывает хранилище по конфигу и накатывает схему.
// Возвращаемая функция закрывает соединения.
func OpenStore(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.NewStore(pool, logger)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("storage ready", zap.String("driver", "postgres"))
		return st, pool.Close, nil

	case "sqlite", "":
		st, err := sqlite.Open(cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("storage ready", zap.String("driver", "sqlite"), zap.String("path", cfg.Path))
		return st, func() { _ = st.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// OpenRedis подключается к Redis. Пустой адрес — работа без Redis (nil, nil).
func OpenRedis(ctx context.Context, cfg infra.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		logger.Warn("redis is not configured: baseline cache and cross-instance guardrail sync are off")
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// TokenValidator собирает проверку RS256-токенов из публичного ключа в конфиге.
func TokenValidator(cfg infra.AuthConfig) (*auth.BaseValidator, error) {
	key, err := auth.ParseRSAPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("auth public key (auth.public_key_path or AUTH_PUBLIC_KEY_DATA): %w", err)
	}
	return auth.NewBaseValidator(key), nil
}
