package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/spaceai-verifier/internal/correction"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
	"github.com/xela07ax/spaceai-verifier/internal/session"
	"go.uber.org/zap"
)

// DefaultOrg - организация исполнений, если WithOrg не задан.
const DefaultOrg = "default"

// Option настраивает Client при создании.
type Option func(*clientConfig)

type clientConfig struct {
	orgID      string
	store      engine.Persister
	guardrails guardrail.Loader
	baselines  engine.BaselineLoader
	evaluator  *guardrail.Evaluator
	corrector  correction.Corrector
	tracker    *session.Tracker
	alerts     engine.AlertSink
	registerer prometheus.Registerer
	logger     *zap.Logger
}

// WithStore задает хранилище результатов. Обязательная опция.
func WithStore(s engine.Persister) Option {
	return func(c *clientConfig) { c.store = s }
}

// WithOrg задает организацию, от имени которой пишутся исполнения.
func WithOrg(orgID string) Option {
	return func(c *clientConfig) { c.orgID = orgID }
}

// WithGuardrails подменяет источник правил (кэш, YAML-файл). По умолчанию хранилище.
func WithGuardrails(l guardrail.Loader) Option {
	return func(c *clientConfig) { c.guardrails = l }
}

// WithBaselines подменяет источник базовых линий (например, кэш Redis).
func WithBaselines(l engine.BaselineLoader) Option {
	return func(c *clientConfig) { c.baselines = l }
}

// WithEvaluator задает вычислитель guardrails (нужен для llm-правил с судьей).
func WithEvaluator(e *guardrail.Evaluator) Option {
	return func(c *clientConfig) { c.evaluator = e }
}

// WithCorrector задает корректор каскада. Без него при correction=cascade
// используется эвристический корректор.
func WithCorrector(cr correction.Corrector) Option {
	return func(c *clientConfig) { c.corrector = cr }
}

// WithTracker делит трекер сессий между несколькими клиентами.
func WithTracker(t *session.Tracker) Option {
	return func(c *clientConfig) { c.tracker = t }
}

// WithAlerts задает приемник системных алертов (обычно *alert.Recorder).
func WithAlerts(a engine.AlertSink) Option {
	return func(c *clientConfig) { c.alerts = a }
}

// WithRegisterer регистрирует метрики пайплайна в реестре Prometheus.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *clientConfig) { c.registerer = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}
