package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 90, cfg.Thresholds.AutoApprove)
	assert.Equal(t, 70, cfg.Thresholds.Medium)
	assert.Equal(t, 70, cfg.Thresholds.Escalate)
	assert.Equal(t, 85, cfg.Thresholds.MappingReview)
	assert.InDelta(t, 0.92, cfg.Thresholds.ExactSimilarity, 0.001)
	assert.Equal(t, 10, cfg.Batch.PatternSize)
	assert.Equal(t, 10, cfg.Batch.ValidationSize)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 5000, cfg.Retry.InitialBackoffMs)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.Equal(t, 120*time.Second, cfg.Oracle.Timeout())
	assert.Equal(t, 720*time.Hour, cfg.Cache.TTL())
	assert.Equal(t, "jina", cfg.Search.Provider)
	assert.Equal(t, 30*time.Second, cfg.Search.Timeout())
	assert.Equal(t, 3, cfg.Search.BreakerThreshold)
	assert.Equal(t, 120, cfg.Search.BreakerResetSecs)
	assert.Equal(t, 5, cfg.Oracle.BreakerThreshold)
	assert.Equal(t, "https://s.jina.ai", cfg.Jina.SearchBaseURL)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.InDelta(t, 0.0, cfg.Anthropic.Temperature, 0.0001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/vmrs
log:
  level: debug
  format: console
thresholds:
  auto_approve: 95
batch:
  pattern_size: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 95, cfg.Thresholds.AutoApprove)
	assert.Equal(t, 5, cfg.Batch.PatternSize)
	// Defaults still apply for unset values
	assert.Equal(t, 70, cfg.Thresholds.Medium)
	assert.Equal(t, 10, cfg.Batch.ValidationSize)
}

func TestLoadExplicitPath(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoadExplicitPathMissing(t *testing.T) {
	dir := chdirTemp(t)
	_, err := Load(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("VMRS_STORE_DRIVER", "postgres")
	t.Setenv("VMRS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("VMRS_THRESHOLDS_AUTO_APPROVE", "92")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 92, cfg.Thresholds.AutoApprove)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Search.Provider = "jina"
	cfg.Thresholds = ThresholdConfig{AutoApprove: 90, Medium: 70, Escalate: 70, MappingReview: 85, ExactSimilarity: 0.92}
	cfg.Batch = BatchConfig{RouterSize: 50, PatternSize: 10, ValidationSize: 10, MaxConcurrentCategories: 4}
	cfg.Retry.MaxRetries = 3
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateClassify_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Jina.Key = "jina-key"

	assert.NoError(t, cfg.Validate("classify"))
}

func TestValidateClassify_MissingKeys(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("classify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "jina.key is required")
}

func TestValidateClassify_Perplexity(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Search.Provider = "perplexity"

	err := cfg.Validate("classify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "perplexity.key is required")

	cfg.Perplexity.Key = "pplx"
	assert.NoError(t, cfg.Validate("classify"))
}

func TestValidateClassify_UnknownProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Search.Provider = "bing"

	err := cfg.Validate("classify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search.provider")
}

func TestValidateOffline_NoKeysNeeded(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("offline"))
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("offline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := validDefaults()
	cfg.Thresholds.Medium = 95

	err := cfg.Validate("offline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "medium <= auto_approve")

	cfg.Thresholds.Medium = 70
	cfg.Thresholds.Escalate = 101
	err = cfg.Validate("offline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thresholds.escalate")
}

func TestValidateBatchBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Batch.PatternSize = 0
	err := cfg.Validate("offline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.pattern_size must be between 1 and 50")

	cfg.Batch.PatternSize = 10
	cfg.Batch.ValidationSize = 51
	err = cfg.Validate("offline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.validation_size")

	cfg.Batch.ValidationSize = 10
	cfg.Retry.MaxRetries = -1
	err = cfg.Validate("offline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry.max_retries")
}
