package service

import "errors"

var (
	// ErrBadFilter - некорректные параметры выборки.
	ErrBadFilter = errors.New("bad filter")
	// ErrNotBroadcast - изменение сохранено, но сигнал обновления не ушел.
	// Остальные инстансы подхватят правило по TTL кэша.
	ErrNotBroadcast = errors.New("guardrail update signal was not delivered")
)
