package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/app"
	"github.com/xela07ax/spaceai-verifier/internal/console/handler"
	"github.com/xela07ax/spaceai-verifier/internal/console/server"
	"github.com/xela07ax/spaceai-verifier/internal/console/service"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Инициализация ресурсов
	store, closeStore, err := app.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer closeStore()

	// Без Redis изменения правил дойдут до верификаторов только по TTL кэша
	rdb, err := app.OpenRedis(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	validator, err := app.TokenValidator(cfg.Auth)
	if err != nil {
		logger.Fatal("auth is not configured", zap.Error(err))
	}

	// 2. Инициализация слоев (Dependency Injection)
	guardrails := service.NewGuardrailService(store, rdb, logger)
	executions := service.NewExecutionService(store)

	srvHandler := server.NewConsoleServer(logger, validator,
		handler.NewGuardrailHandler(guardrails, logger),
		handler.NewExecutionHandler(executions, logger),
	)

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      srvHandler,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}
	go func() {
		logger.Info("console api started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console exited properly")
}
