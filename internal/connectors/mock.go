package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedGenerator отдает заранее заданные ответы по очереди. Для тестов каскада и офлайн-режима.
type ScriptedGenerator struct {
	mu       sync.Mutex
	replies  []Reply
	calls    []GenerateRequest
	fallback Reply
}

// Reply — один ответ скрипта: текст, ошибка или искусственная задержка.
type Reply struct {
	Text  string
	Err   error
	Delay time.Duration
}

func NewScriptedGenerator(replies ...Reply) *ScriptedGenerator {
	return &ScriptedGenerator{replies: replies, fallback: Reply{Err: fmt.Errorf("script exhausted")}}
}

func (g *ScriptedGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	r := g.fallback
	if len(g.replies) > 0 {
		r, g.replies = g.replies[0], g.replies[1:]
	}
	g.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.Text, r.Err
}

// Calls возвращает запросы, полученные генератором.
func (g *ScriptedGenerator) Calls() []GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GenerateRequest(nil), g.calls...)
}
