package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap/zaptest"
)

type countingLoader struct{ loads int32 }

func (l *countingLoader) LoadGuardrails(context.Context, string, string) ([]domain.Guardrail, error) {
	atomic.AddInt32(&l.loads, 1)
	return nil, nil
}

func TestListenGuardrailUpdates_InvalidatesOnSignal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	logger := zaptest.NewLogger(t)
	loader := &countingLoader{}
	cache := guardrail.NewCache(loader, time.Hour, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ListenGuardrailUpdates(ctx, rdb, cache, logger)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(infra.RedisChanGuardrailUpdate)[infra.RedisChanGuardrailUpdate] == 1
	}, 2*time.Second, 10*time.Millisecond)
	// Refresh после подписки идет следом, даем ему отработать
	time.Sleep(50 * time.Millisecond)

	_, err := cache.LoadGuardrails(ctx, "org-1", "bot")
	require.NoError(t, err)
	_, err = cache.LoadGuardrails(ctx, "org-1", "bot")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.loads))

	// Чужая организация кэш не трогает
	mr.Publish(infra.RedisChanGuardrailUpdate, "org-2")
	mr.Publish(infra.RedisChanGuardrailUpdate, "org-1")
	require.Eventually(t, func() bool {
		_, _ = cache.LoadGuardrails(ctx, "org-1", "bot")
		return atomic.LoadInt32(&loader.loads) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
