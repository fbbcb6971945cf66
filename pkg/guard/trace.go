package guard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// ErrTraceEnded - запись в трассу после End.
var ErrTraceEnded = errors.New("guard: trace already ended")

// Trace - ручная запись одного исполнения. Пайплайн запускается ровно один раз:
// при первом End или Close, сколько бы шагов ни было записано.
type Trace struct {
	c       *Client
	ctx     context.Context
	meta    Meta
	started time.Time

	mu   sync.Mutex
	exec domain.Execution
	done bool

	once sync.Once
	res  Result
	err  error
}

// Trace открывает запись исполнения. Контекст используется для пайплайна при End.
func (c *Client) Trace(ctx context.Context, meta Meta) *Trace {
	now := time.Now()
	return &Trace{
		c:       c,
		ctx:     ctx,
		meta:    meta,
		started: now,
		exec:    newExecution(ctx, meta, meta.Input, "", nil, now),
	}
}

// Step записывает шаг (tool, llm, retrieval...). Шаги типа tool видит проверка tool_loop.
func (t *Trace) Step(stepType, name string, input, output any) error {
	return t.update(func(e *domain.Execution) {
		e.Steps = append(e.Steps, domain.Step{Type: stepType, Name: name, Input: input, Output: output, At: time.Now().UTC()})
	})
}

func (t *Trace) SetGroundTruth(gt string) error {
	return t.update(func(e *domain.Execution) { e.GroundTruth = gt })
}

// SetSchema задает JSON Schema, которой должен соответствовать выход.
func (t *Trace) SetSchema(schema json.RawMessage) error {
	return t.update(func(e *domain.Execution) { e.Schema = append(json.RawMessage(nil), schema...) })
}

func (t *Trace) SetTokenCount(n int) error {
	return t.update(func(e *domain.Execution) { e.TokenCount = n })
}

func (t *Trace) SetCostEstimate(usd float64) error {
	return t.update(func(e *domain.Execution) { e.CostEstimate = usd })
}

// Record фиксирует итоговый выход агента. Повторный вызов перезаписывает выход.
func (t *Trace) Record(output string) error {
	return t.update(func(e *domain.Execution) { e.Output = output })
}

// End закрывает трассу и запускает пайплайн. callErr — ошибка агента, если была.
// Повторные вызовы возвращают результат первого.
func (t *Trace) End(callErr error) (Result, error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.done = true
		exec := t.exec
		t.mu.Unlock()

		exec.LatencyMs = time.Since(t.started).Milliseconds()
		if callErr != nil {
			exec.Status = domain.ExecutionError
			exec.Error = callErr.Error()
		}
		t.res, t.err = t.c.submit(t.ctx, exec, nil)
	})
	return t.res, t.err
}

// Close - End без ошибки агента, для defer.
func (t *Trace) Close() error {
	_, err := t.End(nil)
	return err
}

func (t *Trace) update(fn func(e *domain.Execution)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTraceEnded
	}
	fn(&t.exec)
	return nil
}
