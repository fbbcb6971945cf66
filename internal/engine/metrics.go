package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: исполнения по итоговому решению
	Verifications *prometheus.CounterVec

	// Quality: распределение confidence
	Confidence prometheus.Histogram

	// Latency: длительность проверок по типу
	CheckDuration *prometheus.HistogramVec

	// Errors: проверки, которые не выполнились (ошибка, паника, таймаут)
	CheckFailures *prometheus.CounterVec

	// Correction: попытки по уровню и исходу, итог каскада
	CascadeAttempts *prometheus.CounterVec
	CascadeOutcomes *prometheus.CounterVec

	GuardrailFires *prometheus.CounterVec

	// Saturation: заполненность очереди async-режима (backpressure)
	QueueFill prometheus.Gauge

	// Состояние Circuit Breaker вокруг LLM (0 - ок, 1 - выбило, 0.5 - пробуем)
	CircuitBreakerState *prometheus.GaugeVec

	Alerts        *prometheus.CounterVec
	PersistErrors *prometheus.CounterVec

	// Повторные запросы с уже проверенным id
	Replays prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Verifications: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_executions_total",
			Help: "Total number of verified executions by final action.",
		}, []string{"action", "corrected"}),

		Confidence: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "verifier_confidence",
			Help:    "Confidence of verified executions.",
			Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
		}),

		CheckDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verifier_check_duration_seconds",
			Help:    "Histogram of check latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"check"}),

		CheckFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_check_failures_total",
			Help: "Checks that failed to execute.",
		}, []string{"check"}),

		CascadeAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_correction_attempts_total",
			Help: "Correction attempts by layer and result.",
		}, []string{"layer", "success"}),

		CascadeOutcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_cascade_outcomes_total",
			Help: "Terminal states of the correction cascade.",
		}, []string{"status"}),

		GuardrailFires: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_guardrail_fires_total",
			Help: "Fired guardrails by action.",
		}, []string{"action"}),

		QueueFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "verifier_queue_utilization",
			Help: "Current number of executions waiting for async verification.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "verifier_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"name"}),

		Alerts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_alerts_total",
			Help: "Raised system alerts by kind.",
		}, []string{"kind"}),

		PersistErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_persist_errors_total",
			Help: "Failed writes to the result store by operation.",
		}, []string{"op"}),
		Replays: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "verifier_replayed_executions_total",
			Help: "Requests answered with a stored decision for an already verified execution id.",
		}),
	}
}
