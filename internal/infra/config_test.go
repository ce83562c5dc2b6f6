package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// chdir повторяет testing.T.Chdir (Go 1.24+) для более старых тулчейнов.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("REDIS_ADDR", "") // пустая переменная окружения для viper равна отсутствующей

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, []string{"company.com", "partner.org"}, cfg.Security.TrustedDomains)
	assert.Equal(t, 1000, cfg.Security.MaxQueryLength)
	assert.Equal(t, uint(3), cfg.Engine.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Engine.CBTimeout)
	assert.Equal(t, RedisStreamAuditDefault, cfg.Redis.Stream)
	assert.Empty(t, cfg.Redis.Addr)
	assert.False(t, cfg.Engine.Sandbox)
}

func TestLoadConfigFrom_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
  format: console
engine:
  workers: 4
  tool_timeout: 2s
  disabled_tools: [write_report]
security:
  trusted_domains: [corp.example]
  rules:
    - name: no_weekend_reports
      tools: [write_report]
      expression: 'args.title != "weekend"'
redis:
  addr: localhost:6379
`)
	t.Setenv("ENGINE_SANDBOX", "true")
	t.Setenv("ENGINE_WORKERS", "8")

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 8, cfg.Engine.Workers, "ENV перекрывает файл")
	assert.True(t, cfg.Engine.Sandbox)
	assert.Equal(t, 2*time.Second, cfg.Engine.ToolTimeout)
	assert.Equal(t, []string{"write_report"}, cfg.Engine.DisabledTools)
	assert.Equal(t, []string{"corp.example"}, cfg.Security.TrustedDomains)
	require.Len(t, cfg.Security.Rules, 1)
	assert.Equal(t, "no_weekend_reports", cfg.Security.Rules[0].Name)
	assert.Equal(t, []string{"write_report"}, cfg.Security.Rules[0].Tools)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadConfig_ReadsConfigsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "configs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "config.yaml"), []byte("metrics:\n  addr: \":9090\"\n"), 0o600))
	chdir(t, dir)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"negative workers": "engine:\n  workers: -1\n",
		"zero rate":        "engine:\n  rate_limit: 0\n",
		"rule without expression": `
security:
  rules:
    - name: broken
`,
		"duplicate rules": `
security:
  rules:
    - name: r
      expression: "true"
    - name: r
      expression: "false"
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfigFrom(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfigFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggerConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = NewLogger(LoggerConfig{})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(LoggerConfig{Format: "xml"})
	assert.Error(t, err)
}
