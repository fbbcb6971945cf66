package domain

import "errors"

var (
	ErrGuardrailNotFound = errors.New("guardrail not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionExists   = errors.New("execution already exists")
	ErrInvalidCondition  = errors.New("invalid guardrail condition")
	ErrQueueClosed       = errors.New("verification queue is closed")
	ErrQueueFull         = errors.New("verification queue is full")
)
