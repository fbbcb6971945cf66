package checks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Runner выполняет одну проверку с собственным таймаутом.
// Любой сбой (ошибка, паника, таймаут) превращается в CheckResult с passed=false и score=nil,
// соседние проверки об этом не узнают.
type Runner struct {
	timeout time.Duration
	logger  *zap.Logger
}

func NewRunner(timeout time.Duration, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Runner{timeout: timeout, logger: logger.Named("checks")}
}

type runOutcome struct {
	finding Finding
	err     error
}

// Run запускает проверку и всегда возвращает результат.
func (r *Runner) Run(ctx context.Context, c Check, in Input) domain.CheckResult {
	ctx, span := otel.Tracer("verifier").Start(ctx, "check."+string(c.Type()))
	defer span.End()

	start := time.Now()
	res := domain.CheckResult{
		ID:          uuid.NewString(),
		ExecutionID: in.Execution.ID,
		CheckType:   c.Type(),
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Буфер 1: зависшая проверка не держит горутину после таймаута
	done := make(chan runOutcome, 1)
	snap := in.snapshot()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- runOutcome{err: fmt.Errorf("check panicked: %v", p)}
			}
		}()
		f, err := c.Run(ctx, snap)
		done <- runOutcome{finding: f, err: err}
	}()

	var out runOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	res.DurationMs = time.Since(start).Milliseconds()

	if out.err != nil {
		reason := out.err.Error()
		if errors.Is(out.err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("check timed out after %s", r.timeout)
		}
		r.logger.Warn("check failed",
			zap.String("check", string(c.Type())),
			zap.String("execution_id", in.Execution.ID),
			zap.String("reason", reason))
		span.SetStatus(codes.Error, reason)
		res.Details = map[string]any{domain.DetailError: reason}
		return res
	}

	res.Score = out.finding.Score
	res.Passed = out.finding.Passed
	res.Details = out.finding.Details
	if res.Details == nil {
		res.Details = map[string]any{}
	}
	span.SetAttributes(attribute.Bool("passed", res.Passed))
	return res
}

// FailedResult - результат для проверки, которая не успела до общего дедлайна.
func FailedResult(executionID string, t domain.CheckType, reason string) domain.CheckResult {
	return domain.CheckResult{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		CheckType:   t,
		Details:     map[string]any{domain.DetailError: reason},
	}
}
