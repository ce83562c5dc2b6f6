package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/spaceai-flowguard/internal/domain"
)

// Config — корневая структура конфигурации интерпретатора.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Security SecurityConfig `mapstructure:"security"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// EngineConfig содержит настройки исполнения планов.
type EngineConfig struct {
	Workers int  `mapstructure:"workers"` // 0 — по числу CPU
	Sandbox bool `mapstructure:"sandbox"` // инструменты не вызываются, результат симулируется

	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	ToolTimeout   time.Duration `mapstructure:"tool_timeout"`

	// Настройки Circuit Breaker для инструментов
	CBMaxRequests      uint32        `mapstructure:"cb_max_requests"`
	CBInterval         time.Duration `mapstructure:"cb_interval"`
	CBTimeout          time.Duration `mapstructure:"cb_timeout"`
	CBFailureThreshold uint32        `mapstructure:"cb_failure_threshold"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// DisabledTools — инструменты, выключенные kill switch-ем при старте
	DisabledTools []string `mapstructure:"disabled_tools"`
}

// SecurityConfig — параметры встроенных политик.
type SecurityConfig struct {
	TrustedDomains      []string            `mapstructure:"trusted_domains"`
	EmailTools          []string            `mapstructure:"email_tools"`
	InjectionPatterns   []string            `mapstructure:"injection_patterns"`
	MaxQueryLength      int                 `mapstructure:"max_query_length"`
	SanitizationTools   []string            `mapstructure:"sanitization_tools"`
	ForbiddenExtensions []string            `mapstructure:"forbidden_extensions"`
	Rules               []domain.PolicyRule `mapstructure:"rules"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub kill switch и поток аудита).
// Пустой Addr — работа без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
}

// MetricsConfig — адрес /metrics. Пусто — эндпоинт не поднимается.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := newViper()

	// Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}
	return decode(v)
}

// LoadConfigFrom читает конфигурацию из явно указанного файла.
// Отсутствие файла здесь — ошибка.
func LoadConfigFrom(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	// Позволяет перекрывать конфиг: ENGINE_SANDBOX=true перекроет engine.sandbox
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает значения, с которыми интерпретатор не запустится.
func (c *Config) Validate() error {
	if c.Engine.Workers < 0 {
		return fmt.Errorf("config: engine.workers must be >= 0, got %d", c.Engine.Workers)
	}
	if c.Engine.RateLimit <= 0 {
		return fmt.Errorf("config: engine.rate_limit must be > 0, got %v", c.Engine.RateLimit)
	}
	if c.Security.MaxQueryLength <= 0 {
		return fmt.Errorf("config: security.max_query_length must be > 0, got %d", c.Security.MaxQueryLength)
	}
	seen := make(map[string]bool, len(c.Security.Rules))
	for i, r := range c.Security.Rules {
		if r.Name == "" || r.Expression == "" {
			return fmt.Errorf("config: security.rules[%d] needs name and expression", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("config: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.sandbox", false)
	v.SetDefault("engine.rate_limit", 100.0)
	v.SetDefault("engine.rate_burst", 20)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_delay", 100*time.Millisecond)
	v.SetDefault("engine.tool_timeout", 10*time.Second)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.cb_failure_threshold", 5)
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.disabled_tools", []string{})

	v.SetDefault("security.trusted_domains", []string{"company.com", "partner.org"})
	v.SetDefault("security.email_tools", []string{"send_email"})
	v.SetDefault("security.injection_patterns", []string{"DROP TABLE", "DELETE FROM", "TRUNCATE TABLE", ";"})
	v.SetDefault("security.max_query_length", 1000)
	v.SetDefault("security.sanitization_tools", []string{})
	v.SetDefault("security.forbidden_extensions", []string{".exe", ".bat", ".sh", ".js"})

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", RedisStreamAuditDefault)

	v.SetDefault("metrics.addr", "")
}
