package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ThrottleError — провайдер попросил подождать (429). ReliabilityWrapper берет задержку отсюда.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// ErrEmptyCompletion — модель ответила без вариантов или пустым текстом.
var ErrEmptyCompletion = errors.New("model returned empty completion")
