package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "flowguard"
)

// Ключи для Sets (состояние)
const (
	RedisKeyDisabledTools        = RedisNamespace + ":tools:disabled_set"
	RedisKeyLockWarmupDisabled   = RedisNamespace + ":lock:warmup:disabled_tools"
	RedisStreamAuditDefault      = RedisNamespace + ":audit"
	RedisStreamAuditMaxLenApprox = 100000
)

// Каналы Pub/Sub (события)
const (
	// RedisChanToolKillSwitch — сигналы оператора "tool:on" (выключить инструмент) / "tool:off" (вернуть).
	RedisChanToolKillSwitch = RedisNamespace + ":tools:kill-switch-signal"
)
