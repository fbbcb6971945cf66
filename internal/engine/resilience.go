package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap"
)

// ListenStateResilient - универсальный цикл для "живучей" подписки на сигналы Redis.
// Обрабатывает переподключения, логирование и доставку сообщений.
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // Callback для синхронизации при переподключении
	onMessage func(payload string), // Callback для обработки сообщения
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		// Вызываем синхронизацию при каждом успешном коннекте: сигналы, пропущенные
		// во время разрыва, уже не придут
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(strings.TrimSpace(msg.Payload))
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// ListenGuardrailUpdates держит кэш правил в согласии с консолью: сообщение с org_id
// сбрасывает правила организации, "*" и переподключение сбрасывают все.
func ListenGuardrailUpdates(ctx context.Context, rdb *redis.Client, cache *guardrail.Cache, logger *zap.Logger) {
	logger = logger.Named("guardrail-sync")
	ListenStateResilient(ctx, rdb, logger, infra.RedisChanGuardrailUpdate,
		func() error { return cache.Refresh(ctx) },
		func(orgID string) {
			if orgID == "" {
				logger.Error("invalid signal format: empty org_id")
				return
			}
			if orgID == guardrail.AllOrgs {
				_ = cache.Refresh(ctx)
				return
			}
			logger.Debug("guardrails changed", zap.String("org_id", orgID))
			cache.Invalidate(orgID)
		},
	)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
