package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "spaceai:verifier"
)

// Ключи кэша
const (
	RedisKeyBaselinePrefix = RedisNamespace + ":baseline:"
	// RedisKeyBaselineWarmLock - блокировка прогрева, чтобы кэш грел один инстанс
	RedisKeyBaselineWarmLock = RedisNamespace + ":lock:baseline_warmup"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanGuardrailUpdate - консоль публикует org_id (или "*") после изменения правил.
	RedisChanGuardrailUpdate = RedisNamespace + ":guardrails:update"
)

// BaselineKey - ключ кэша базовой линии агента.
func BaselineKey(agentID string) string {
	return RedisKeyBaselinePrefix + agentID
}
