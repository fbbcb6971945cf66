package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
)

const (
	ModeAsync = "async"
	ModeSync  = "sync"

	CorrectionNone    = "none"
	CorrectionCascade = "cascade"

	TransparencyOpaque      = "opaque"
	TransparencyTransparent = "transparent"
)

// DefaultWeights - вклад проверок в confidence. guardrails влияет только через override.
var DefaultWeights = map[domain.CheckType]float64{
	domain.CheckHallucination: 0.40,
	domain.CheckSchema:        0.25,
	domain.CheckCoherence:     0.25,
	domain.CheckDrift:         0.20,
	domain.CheckToolLoop:      0.15,
	domain.CheckGuardrails:    0,
}

// Thresholds - пороги перевода confidence в решение.
type Thresholds struct {
	Pass  float64
	Flag  float64
	Block float64
}

// CorrectionBar - планка успеха попытки коррекции. pass=1.0 считается недостижимым,
// тогда достаточно flag.
func (t Thresholds) CorrectionBar() float64 {
	if t.Pass >= 1.0 {
		return t.Flag
	}
	return t.Pass
}

// Config - неизменяемая конфигурация пайплайна. Создается только через NewConfig,
// после этого повторно не валидируется.
type Config struct {
	mode         string
	correction   string
	transparency string

	timeout           time.Duration
	windowSize        int
	thresholds        Thresholds
	checkTimeout      time.Duration
	attemptTimeout    time.Duration
	toolLoopThreshold int
	weights           map[domain.CheckType]float64

	queueSize      int
	workers        int
	sessionIdleTTL time.Duration
}

var guardValidator = validator.New()

// NewConfig проверяет GuardConfig и собирает из него Config.
func NewConfig(g infra.GuardConfig) (Config, error) {
	if err := guardValidator.Struct(g); err != nil {
		return Config{}, fmt.Errorf("invalid guard config: %w", err)
	}
	th := g.ConfidenceThreshold
	if !(th.Pass >= th.Flag && th.Flag >= th.Block) {
		return Config{}, fmt.Errorf("invalid guard config: thresholds must satisfy pass >= flag >= block (got %.2f/%.2f/%.2f)",
			th.Pass, th.Flag, th.Block)
	}

	weights := make(map[domain.CheckType]float64, len(DefaultWeights))
	for t, w := range DefaultWeights {
		weights[t] = w
	}
	for name, w := range g.Weights {
		t := domain.CheckType(name)
		if _, known := DefaultWeights[t]; !known {
			return Config{}, fmt.Errorf("invalid guard config: unknown check %q in weights", name)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return Config{}, fmt.Errorf("invalid guard config: weight for %q must be a non-negative number", name)
		}
		weights[t] = w
	}
	var total float64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return Config{}, errors.New("invalid guard config: all check weights are zero")
	}

	return Config{
		mode:              g.Mode,
		correction:        g.Correction,
		transparency:      g.Transparency,
		timeout:           time.Duration(g.TimeoutS * float64(time.Second)),
		windowSize:        g.ConversationWindowSize,
		thresholds:        Thresholds{Pass: th.Pass, Flag: th.Flag, Block: th.Block},
		checkTimeout:      g.CheckTimeout,
		attemptTimeout:    g.AttemptTimeout,
		toolLoopThreshold: g.ToolLoopThreshold,
		weights:           weights,
		queueSize:         g.QueueSize,
		workers:           g.Workers,
		sessionIdleTTL:    g.SessionIdleTTL,
	}, nil
}

// MustConfig - для тестов и дефолтов, которые заведомо валидны.
func MustConfig(g infra.GuardConfig) Config {
	c, err := NewConfig(g)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Config) Mode() string                  { return c.mode }
func (c Config) Correction() string            { return c.correction }
func (c Config) Transparency() string          { return c.transparency }
func (c Config) Timeout() time.Duration        { return c.timeout }
func (c Config) WindowSize() int               { return c.windowSize }
func (c Config) Thresholds() Thresholds        { return c.thresholds }
func (c Config) CheckTimeout() time.Duration   { return c.checkTimeout }
func (c Config) AttemptTimeout() time.Duration { return c.attemptTimeout }
func (c Config) ToolLoopThreshold() int        { return c.toolLoopThreshold }
func (c Config) QueueSize() int                { return c.queueSize }
func (c Config) Workers() int                  { return c.workers }
func (c Config) SessionIdleTTL() time.Duration { return c.sessionIdleTTL }

func (c Config) Sync() bool              { return c.mode == ModeSync }
func (c Config) CorrectionEnabled() bool { return c.correction == CorrectionCascade }
func (c Config) Transparent() bool       { return c.transparency == TransparencyTransparent }

// Weight - вес проверки в confidence.
func (c Config) Weight(t domain.CheckType) float64 { return c.weights[t] }
