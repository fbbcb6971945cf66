package guard

import (
	"context"
	"time"
)

// Watch оборачивает функцию агента: вход и выход фиксируются автоматически,
// пайплайн запускается после возврата функции.
//
// Ошибка самой функции возвращается как есть. В sync-режиме заблокированный ответ
// заменяется на *BlockedError, исправленный ответ возвращается вместо оригинала.
func (c *Client) Watch(fn AgentFunc, meta Meta) AgentFunc {
	return func(ctx context.Context, input string) (string, error) {
		started := time.Now()
		out, callErr := fn(ctx, input)

		res, err := c.submit(ctx, newExecution(ctx, meta, input, out, callErr, started), fn)
		if callErr != nil {
			return out, callErr
		}
		if err != nil {
			return "", err
		}
		return res.Output, nil
	}
}

// Run вызывает функцию на meta.Input и возвращает результат пайплайна целиком.
// Ошибка функции агента имеет приоритет над *BlockedError.
func (c *Client) Run(ctx context.Context, fn AgentFunc, meta Meta) (Result, error) {
	started := time.Now()
	out, callErr := fn(ctx, meta.Input)
	res, err := c.submit(ctx, newExecution(ctx, meta, meta.Input, out, callErr, started), fn)
	if callErr != nil {
		return res, callErr
	}
	return res, err
}
