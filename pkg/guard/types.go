package guard

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
)

// Config - настройки пайплайна: mode, correction, transparency, пороги и таймауты.
type Config = infra.GuardConfig

// DefaultConfig - async, без коррекции, opaque.
func DefaultConfig() Config { return infra.DefaultGuardConfig() }

// Result - то, что видит вызывающий код. В opaque-режиме метаданные коррекции пусты.
type Result = engine.ResultView

// AgentFunc - наблюдаемая функция агента: вход пользователя -> ответ.
// Она же используется для повторного запуска на уровне full_reprompt.
type AgentFunc func(ctx context.Context, input string) (string, error)

// Meta - метаданные исполнения, которые не видны из самой функции.
type Meta struct {
	AgentID     string
	SessionID   string
	Task        string
	Input       string // Для Watch берется из аргумента вызова
	GroundTruth string
	Schema      []byte // JSON Schema ожидаемого выхода
}

// BlockedError - решение block в sync-режиме, которое каскад не исправил.
// Result содержит полный результат верификации.
type BlockedError struct {
	Result Result
}

func (e *BlockedError) Error() string {
	conf := "n/a"
	if e.Result.Confidence != nil {
		conf = fmt.Sprintf("%.2f", *e.Result.Confidence)
	}
	return fmt.Sprintf("guard blocked execution %s (confidence %s)", e.Result.ExecutionID, conf)
}

// FailedChecks - типы проверок, не прошедших в заблокированном исполнении.
func (e *BlockedError) FailedChecks() []domain.CheckType {
	var out []domain.CheckType
	for _, r := range e.Result.Checks {
		if !r.Passed {
			out = append(out, r.CheckType)
		}
	}
	return out
}

type sessionKey struct{}

// WithSession привязывает вызовы Watch с этим контекстом к сессии диалога.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func sessionFrom(ctx context.Context, fallback string) string {
	if id, ok := ctx.Value(sessionKey{}).(string); ok && id != "" {
		return id
	}
	return fallback
}
