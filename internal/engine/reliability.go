package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-verifier/internal/connectors"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilityWrapper защищает вызовы модели: лимитер -> предохранитель -> ретраи.
// Сам реализует connectors.Generator, поэтому прозрачен для корректора и LLM-судьи.
type ReliabilityWrapper struct {
	next           connectors.Generator
	cb             *gobreaker.CircuitBreaker
	limiter        *rate.Limiter
	attemptTimeout time.Duration
	logger         *zap.Logger
}

func NewReliabilityWrapper(next connectors.Generator, cfg infra.LLMConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger = logger.Named("llm")

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: orDefault(cfg.CBMaxRequests, 3),
		Interval:    orDefault(cfg.CBInterval, 5*time.Second),
		Timeout:     orDefault(cfg.CBTimeout, 30*time.Second), // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
		},
	})

	return &ReliabilityWrapper{
		next:           next,
		cb:             cb,
		limiter:        rate.NewLimiter(rate.Limit(orDefault(cfg.RateLimit, 10)), orDefault(cfg.Burst, 5)),
		attemptTimeout: 10 * time.Second,
		logger:         logger,
	}
}

func (w *ReliabilityWrapper) Generate(ctx context.Context, req connectors.GenerateRequest) (string, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	out, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// 429 от провайдера: ждем столько, сколько он просит
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}

				// В остальных случаях (сетевой лаг, 500-ка) — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		var text string
		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout)
			defer cancel()

			var callErr error
			text, callErr = w.next.Generate(tCtx, req)
			if errors.Is(callErr, connectors.ErrEmptyCompletion) {
				// Пустой ответ повтором не лечится
				return retry.Unrecoverable(callErr)
			}
			return callErr
		})
		return text, retryErr
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
