package guard

/*
Файл client.go — встраиваемый клиент пайплайна.

Client собирает engine.Pipeline один раз и держит фоновый диспетчер для async-режима.
Исполнения в async уходят в очередь без ожидания. Переполнение очереди не превращается
в ошибку для агента: исполнение теряется для верификации, это видно в логах и метриках.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-verifier/internal/correction"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"go.uber.org/zap"
)

// Client потокобезопасен: один клиент на процесс агента.
type Client struct {
	cfg        engine.Config
	orgID      string
	pipeline   *engine.Pipeline
	dispatcher *engine.Dispatcher
	logger     *zap.Logger
}

// New проверяет конфигурацию и собирает пайплайн.
func New(cfg Config, opts ...Option) (*Client, error) {
	cc := clientConfig{orgID: DefaultOrg}
	for _, o := range opts {
		o(&cc)
	}
	if cc.logger == nil {
		cc.logger = zap.NewNop()
	}
	if cc.store == nil {
		return nil, errors.New("guard: store is required (use WithStore)")
	}

	ec, err := engine.NewConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}
	if ec.CorrectionEnabled() && cc.corrector == nil {
		cc.corrector = correction.NewHeuristicCorrector(cc.logger)
	}

	metrics := engine.NewMetrics(cc.registerer)
	p, err := engine.NewPipeline(ec, engine.Deps{
		Store:      cc.store,
		Guardrails: cc.guardrails,
		Baselines:  cc.baselines,
		Evaluator:  cc.evaluator,
		Corrector:  cc.corrector,
		Tracker:    cc.tracker,
		Alerts:     cc.alerts,
		Metrics:    metrics,
	}, cc.logger)
	if err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}

	c := &Client{
		cfg:      ec,
		orgID:    cc.orgID,
		pipeline: p,
		logger:   cc.logger.Named("guard"),
	}
	if !ec.Sync() {
		c.dispatcher = engine.NewDispatcher(p, ec.QueueSize(), ec.Workers(), metrics, cc.logger)
		c.dispatcher.Start()
	}
	return c, nil
}

// Close дожидается обработки уже поставленных в очередь исполнений.
func (c *Client) Close() error {
	if c.dispatcher != nil {
		c.dispatcher.Stop()
	}
	return nil
}

// EndSession освобождает состояние диалога (окно coherence и счетчик ходов).
func (c *Client) EndSession(sessionID string) {
	c.pipeline.Tracker().Evict(sessionID)
}

// Pending - сколько исполнений ждут фоновой верификации.
func (c *Client) Pending() int64 {
	if c.dispatcher == nil {
		return 0
	}
	return c.dispatcher.Pending()
}

// submit отправляет готовое исполнение в пайплайн согласно режиму.
func (c *Client) submit(ctx context.Context, exec domain.Execution, rerun AgentFunc) (Result, error) {
	exec.OrgID = c.orgID
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	opts := engine.ProcessOptions{}
	if rerun != nil {
		opts.Rerun = func(ctx context.Context, prompt string) (string, error) { return rerun(ctx, prompt) }
	}

	if !c.cfg.Sync() {
		res := Result{ExecutionID: exec.ID, SessionID: exec.SessionID, Output: exec.Output}
		if err := c.dispatcher.Submit(exec, opts, nil); err != nil {
			c.logger.Warn("execution not queued for verification",
				zap.String("execution_id", exec.ID), zap.Error(err))
			return res, nil
		}
		res.Queued = true
		return res, nil
	}

	out, err := c.pipeline.Process(ctx, exec, opts)
	if err != nil {
		return Result{}, fmt.Errorf("guard: %w", err)
	}
	view := engine.NewResultView(out, c.cfg.Transparent())
	if out.Execution.Action == domain.ActionBlock && !out.Execution.Corrected {
		return view, &BlockedError{Result: view}
	}
	return view, nil
}

// newExecution собирает исполнение из метаданных и результата вызова функции.
func newExecution(ctx context.Context, meta Meta, input, output string, callErr error, started time.Time) domain.Execution {
	exec := domain.Execution{
		AgentID:     meta.AgentID,
		SessionID:   sessionFrom(ctx, meta.SessionID),
		Task:        meta.Task,
		Input:       input,
		Output:      output,
		Status:      domain.ExecutionSuccess,
		GroundTruth: meta.GroundTruth,
		Schema:      meta.Schema,
		LatencyMs:   time.Since(started).Milliseconds(),
		Timestamp:   started.UTC(),
	}
	if callErr != nil {
		exec.Status = domain.ExecutionError
		exec.Error = callErr.Error()
	}
	return exec
}
