package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/spaceai-verifier/internal/alert"
	"github.com/xela07ax/spaceai-verifier/internal/app"
	"github.com/xela07ax/spaceai-verifier/internal/connectors"
	"github.com/xela07ax/spaceai-verifier/internal/correction"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"github.com/xela07ax/spaceai-verifier/internal/repository/cache"
	"go.uber.org/zap"
)

// Агенты, чьи базовые линии греются при старте.
const warmupWindow = 24 * time.Hour

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	shutdownTracing, err := infra.InitTracing(cfg.Telemetry)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	// Контекст жизни фоновых горутин: SIGINT/SIGTERM отменяют слушателей и воркеры
	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Инфраструктура: хранилище и Redis
	store, closeStore, err := app.OpenStore(appCtx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("storage unavailable", zap.Error(err))
	}
	defer closeStore()

	rdb, err := app.OpenRedis(appCtx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. Правила: YAML-файл с hot reload или хранилище + сигналы из консоли
	var rules guardrail.Loader = store
	var fileSource *guardrail.FileSource
	if cfg.Guardrails.File != "" {
		if fileSource, err = guardrail.NewFileSource(cfg.Guardrails.File, logger); err != nil {
			logger.Fatal("failed to load guardrails file", zap.Error(err))
		}
		rules = fileSource
	}
	ruleCache := guardrail.NewCache(rules, cfg.Guardrails.CacheTTL, logger)
	switch {
	case fileSource != nil:
		fileSource.OnReload(func() { ruleCache.Invalidate(guardrail.AllOrgs) })
		go func() {
			if err := fileSource.Watch(appCtx); err != nil {
				logger.Error("guardrails file watcher stopped", zap.Error(err))
			}
		}()
	case rdb != nil:
		go engine.ListenGuardrailUpdates(appCtx, rdb, ruleCache, logger)
	}

	// 4. Базовые линии: Redis перед хранилищем, прогрев делает один инстанс
	var baselines engine.BaselineLoader = store
	if rdb != nil {
		bc := cache.NewBaselineCache(rdb, store, cfg.Redis.BaselineTTL, logger)
		baselines = bc
		go func() {
			agents, err := store.RecentAgents(appCtx, time.Now().Add(-warmupWindow))
			if err != nil {
				logger.Warn("baseline warm-up skipped", zap.Error(err))
				return
			}
			if _, err := bc.Warm(appCtx, agents); err != nil {
				logger.Warn("baseline warm-up failed", zap.Error(err))
			}
		}()
	}

	// 5. Модель: LLM-корректор и судья за ReliabilityWrapper, иначе эвристики
	var (
		judge     guardrail.Judge
		corrector correction.Corrector = correction.NewHeuristicCorrector(logger)
	)
	if cfg.LLM.APIKey != "" {
		gen, err := connectors.NewOpenAIGenerator(connectors.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			BaseURL: cfg.LLM.BaseURL,
		}, logger)
		if err != nil {
			logger.Fatal("failed to init llm client", zap.Error(err))
		}
		safe := engine.NewReliabilityWrapper(gen, cfg.LLM, metrics, logger)
		judge = guardrail.NewLLMJudge(safe, logger)
		corrector = correction.NewLLMCorrector(safe, logger)
	} else {
		logger.Info("llm is not configured: heuristic corrector, llm guardrails are skipped")
	}

	// 6. Алерты: батчи в хранилище + вебхуки
	recorder := alert.NewRecorder(store, cfg.Alerts, logger, alert.NotifiersFromConfig(cfg.Alerts, logger)...)
	recorder.Start()

	// 7. Ядро: пайплайн, очередь async-режима, общий сервис для HTTP и gRPC
	guardCfg, err := engine.NewConfig(cfg.Guard)
	if err != nil {
		logger.Fatal("invalid guard config", zap.Error(err))
	}
	pipeline, err := engine.NewPipeline(guardCfg, engine.Deps{
		Store:      store,
		Guardrails: ruleCache,
		Baselines:  baselines,
		Evaluator:  guardrail.NewEvaluator(judge, logger),
		Corrector:  corrector,
		Alerts:     recorder,
		Metrics:    metrics,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}
	dispatcher := engine.NewDispatcher(pipeline, guardCfg.QueueSize(), guardCfg.Workers(), metrics, logger)
	dispatcher.Start()
	svc := engine.NewService(pipeline, dispatcher)

	go sweepSessions(appCtx, pipeline, guardCfg.SessionIdleTTL(), logger)

	validator, err := app.TokenValidator(cfg.Auth)
	if err != nil {
		logger.Fatal("auth is not configured", zap.Error(err))
	}

	// 8. Входы: HTTP, gRPC, метрики
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine.NewHandler(svc, logger).Routes(validator),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("verifier api started", zap.String("addr", srv.Addr), zap.String("mode", guardCfg.Mode()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	grpcSrv := engine.NewGRPCServer(svc, validator, logger)
	if cfg.GRPC.Addr != "" {
		go func() {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				logger.Fatal("failed to listen gRPC", zap.Error(err))
			}
			logger.Info("verifier gRPC started", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Fatal("failed to serve gRPC", zap.Error(err))
			}
		}()
	}

	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// 9. Graceful Shutdown: сначала входы, потом очередь, потом алерты
	<-appCtx.Done()
	logger.Info("verifier stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	dispatcher.Stop()
	recorder.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	logger.Info("verifier exited properly")
}

// sweepSessions освобождает сессии без активности дольше ttl. ttl=0 — не чистим.
func sweepSessions(ctx context.Context, p *engine.Pipeline, ttl time.Duration, logger *zap.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Tracker().Sweep(ttl); n > 0 {
				logger.Debug("idle sessions evicted", zap.Int("count", n))
			}
		}
	}
}
