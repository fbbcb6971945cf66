package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config - корневая структура конфигурации сервиса верификации.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Console    ServerConfig     `mapstructure:"console"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCConfig - gRPC-вход для SDK и health-check.
type GRPCConfig struct {
	Addr string `mapstructure:"addr"` // Пусто = gRPC выключен
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает хранилище результатов.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	URL      string `mapstructure:"url" validate:"required_if=Driver postgres"`
	Path     string `mapstructure:"path" validate:"required_if=Driver sqlite"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (кэш baseline и сигналы обновления правил).
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"` // Пусто = работаем без Redis
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	BaselineTTL time.Duration `mapstructure:"baseline_ttl"`
}

// AuthConfig - публичный ключ для проверки RS256-токенов SDK и консоли.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// GuardConfig - настройки пайплайна. Валидируются один раз в engine.NewConfig.
type GuardConfig struct {
	Mode                   string             `mapstructure:"mode" json:"mode" validate:"oneof=async sync"`
	Correction             string             `mapstructure:"correction" json:"correction" validate:"oneof=none cascade"`
	Transparency           string             `mapstructure:"transparency" json:"transparency" validate:"oneof=opaque transparent"`
	TimeoutS               float64            `mapstructure:"timeout_s" json:"timeout_s" validate:"gt=0"`
	ConversationWindowSize int                `mapstructure:"conversation_window_size" json:"conversation_window_size" validate:"gte=1"`
	ConfidenceThreshold    ThresholdConfig    `mapstructure:"confidence_threshold" json:"confidence_threshold"`
	CheckTimeout           time.Duration      `mapstructure:"check_timeout" json:"check_timeout" validate:"gt=0"`
	AttemptTimeout         time.Duration      `mapstructure:"attempt_timeout" json:"attempt_timeout" validate:"gt=0"`
	ToolLoopThreshold      int                `mapstructure:"tool_loop_threshold" json:"tool_loop_threshold" validate:"gte=1"`
	Weights                map[string]float64 `mapstructure:"weights" json:"weights,omitempty"`
	QueueSize              int                `mapstructure:"queue_size" json:"queue_size" validate:"gte=1"`
	Workers                int                `mapstructure:"workers" json:"workers" validate:"gte=1"`
	SessionIdleTTL         time.Duration      `mapstructure:"session_idle_ttl" json:"session_idle_ttl"`
}

type ThresholdConfig struct {
	Pass  float64 `mapstructure:"pass_threshold" json:"pass_threshold" validate:"gte=0,lte=1"`
	Flag  float64 `mapstructure:"flag_threshold" json:"flag_threshold" validate:"gte=0,lte=1"`
	Block float64 `mapstructure:"block_threshold" json:"block_threshold" validate:"gte=0,lte=1"`
}

// DefaultGuardConfig - значения по умолчанию для SDK и сервиса.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Mode:                   "async",
		Correction:             "none",
		Transparency:           "opaque",
		TimeoutS:               30,
		ConversationWindowSize: 10,
		ConfidenceThreshold:    ThresholdConfig{Pass: 0.8, Flag: 0.5, Block: 0.3},
		CheckTimeout:           5 * time.Second,
		AttemptTimeout:         10 * time.Second,
		ToolLoopThreshold:      3,
		QueueSize:              1000,
		Workers:                4,
		SessionIdleTTL:         30 * time.Minute,
	}
}

// GuardrailsConfig - откуда брать правила: из БД (по умолчанию) или из YAML-файла.
type GuardrailsConfig struct {
	File     string        `mapstructure:"file"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LLMConfig - модель для коррекции и llm-правил. Без ключа работает эвристический корректор.
type LLMConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	BaseURL       string        `mapstructure:"base_url"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	Burst         int           `mapstructure:"burst"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// AlertsConfig - буфер алертов и вебхуки.
type AlertsConfig struct {
	BufferSize    int             `mapstructure:"buffer_size"`
	FlushInterval time.Duration   `mapstructure:"flush_interval"`
	Webhooks      []WebhookConfig `mapstructure:"webhooks" validate:"dive"`
}

type WebhookConfig struct {
	URL        string            `mapstructure:"url" validate:"required,url"`
	Format     string            `mapstructure:"format" validate:"omitempty,oneof=generic slack pagerduty"`
	Kinds      []string          `mapstructure:"kinds"` // Пусто = все виды
	Headers    map[string]string `mapstructure:"headers"`
	RoutingKey string            `mapstructure:"routing_key" validate:"required_if=Format pagerduty"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// TelemetryConfig - трассировка OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Stdout      bool   `mapstructure:"stdout"` // Печатать спаны в stdout
}

var configValidator = validator.New()

// LoadConfig инициализирует конфигурацию, объединяя значения из .env, файла и ENV.
func LoadConfig() (*Config, error) {
	// .env не обязателен: в контейнере переменные приходят снаружи
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// GUARD_MODE=sync перекроет guard.mode
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Ключ из ENV (Docker/K8s) или из файла по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := configValidator.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	g := DefaultGuardConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)
	v.SetDefault("grpc.addr", ":50052")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "verifier.db")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.baseline_ttl", 10*time.Minute)
	v.SetDefault("guard.mode", g.Mode)
	v.SetDefault("guard.correction", g.Correction)
	v.SetDefault("guard.transparency", g.Transparency)
	v.SetDefault("guard.timeout_s", g.TimeoutS)
	v.SetDefault("guard.conversation_window_size", g.ConversationWindowSize)
	v.SetDefault("guard.confidence_threshold.pass_threshold", g.ConfidenceThreshold.Pass)
	v.SetDefault("guard.confidence_threshold.flag_threshold", g.ConfidenceThreshold.Flag)
	v.SetDefault("guard.confidence_threshold.block_threshold", g.ConfidenceThreshold.Block)
	v.SetDefault("guard.check_timeout", g.CheckTimeout)
	v.SetDefault("guard.attempt_timeout", g.AttemptTimeout)
	v.SetDefault("guard.tool_loop_threshold", g.ToolLoopThreshold)
	v.SetDefault("guard.queue_size", g.QueueSize)
	v.SetDefault("guard.workers", g.Workers)
	v.SetDefault("guard.session_idle_ttl", g.SessionIdleTTL)
	v.SetDefault("guardrails.cache_ttl", time.Minute)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.rate_limit", 10)
	v.SetDefault("llm.burst", 5)
	v.SetDefault("llm.cb_max_requests", 3)
	v.SetDefault("llm.cb_interval", 5*time.Second)
	v.SetDefault("llm.cb_timeout", 30*time.Second)
	v.SetDefault("alerts.buffer_size", 1000)
	v.SetDefault("alerts.flush_interval", 500*time.Millisecond)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("telemetry.service_name", "spaceai-verifier")
}

// loadKeyResource - PEM из ENV или из файла.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
