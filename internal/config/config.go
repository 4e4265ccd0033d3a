package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Thresholds ThresholdConfig  `yaml:"thresholds" mapstructure:"thresholds"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Oracle     OracleConfig     `yaml:"oracle" mapstructure:"oracle"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Paths      PathsConfig      `yaml:"paths" mapstructure:"paths"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key              string  `yaml:"key" mapstructure:"key"`
	Model            string  `yaml:"model" mapstructure:"model"`
	Temperature      float64 `yaml:"temperature" mapstructure:"temperature"`
	RouterMaxTokens  int64   `yaml:"router_max_tokens" mapstructure:"router_max_tokens"`
	MappingMaxTokens int64   `yaml:"mapping_max_tokens" mapstructure:"mapping_max_tokens"`
	SynthMaxTokens   int64   `yaml:"synth_max_tokens" mapstructure:"synth_max_tokens"`
}

// SearchConfig selects the web search provider used by enrichment.
type SearchConfig struct {
	Provider         string `yaml:"provider" mapstructure:"provider"`
	MaxResultChars   int    `yaml:"max_result_chars" mapstructure:"max_result_chars"`
	RatePerSec       int    `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BreakerThreshold int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Timeout returns the per-search timeout.
func (c SearchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// JinaConfig holds Jina search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// ThresholdConfig holds the confidence thresholds applied across stages.
type ThresholdConfig struct {
	AutoApprove     int     `yaml:"auto_approve" mapstructure:"auto_approve"`
	Medium          int     `yaml:"medium" mapstructure:"medium"`
	Escalate        int     `yaml:"escalate" mapstructure:"escalate"`
	MappingReview   int     `yaml:"mapping_review" mapstructure:"mapping_review"`
	AmbiguityMargin int     `yaml:"ambiguity_margin" mapstructure:"ambiguity_margin"`
	ExactSimilarity float64 `yaml:"exact_similarity" mapstructure:"exact_similarity"`
}

// BatchConfig configures per-stage batch sizes and category parallelism.
type BatchConfig struct {
	RouterSize              int `yaml:"router_size" mapstructure:"router_size"`
	PatternSize             int `yaml:"pattern_size" mapstructure:"pattern_size"`
	ValidationSize          int `yaml:"validation_size" mapstructure:"validation_size"`
	MaxConcurrentCategories int `yaml:"max_concurrent_categories" mapstructure:"max_concurrent_categories"`
}

// RetryConfig configures backoff for external calls. MaxRetries counts
// retries after the first attempt.
type RetryConfig struct {
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// OracleConfig bounds calls to the inference service.
type OracleConfig struct {
	TimeoutSecs      int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec       int `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Timeout returns the per-call timeout.
func (c OracleConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// CacheConfig configures the enrichment cache.
type CacheConfig struct {
	TTLHours      int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	MinConfidence int `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// TTL returns the maximum age of an acceptable cache entry.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// PathsConfig locates rule sets, validated examples and output files.
type PathsConfig struct {
	RulesDir     string `yaml:"rules_dir" mapstructure:"rules_dir"`
	ExamplesFile string `yaml:"examples_file" mapstructure:"examples_file"`
	OutputDir    string `yaml:"output_dir" mapstructure:"output_dir"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaPricing             `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityPricing       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// JinaPricing holds Jina search pricing.
type JinaPricing struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// PerplexityPricing holds Perplexity pricing.
type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// MonitoringConfig configures post-run health alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ReviewRateThreshold  float64 `yaml:"review_rate_threshold" mapstructure:"review_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	MinRecords           int     `yaml:"min_records" mapstructure:"min_records"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the read-only runs API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An explicit path, when
// non-empty, replaces the default ./config.yaml lookup.
func Load(path ...string) (*Config, error) {
	v := viper.New()

	// Config file
	if len(path) > 0 && path[0] != "" {
		v.SetConfigFile(path[0])
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("VMRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "vmrs.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("anthropic.router_max_tokens", 4096)
	v.SetDefault("anthropic.mapping_max_tokens", 1024)
	v.SetDefault("anthropic.synth_max_tokens", 512)
	v.SetDefault("search.provider", "jina")
	v.SetDefault("search.max_result_chars", 8000)
	v.SetDefault("search.rate_per_sec", 2)
	v.SetDefault("search.timeout_secs", 30)
	v.SetDefault("search.breaker_threshold", 3)
	v.SetDefault("search.breaker_reset_secs", 120)
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("thresholds.auto_approve", 90)
	v.SetDefault("thresholds.medium", 70)
	v.SetDefault("thresholds.escalate", 70)
	v.SetDefault("thresholds.mapping_review", 85)
	v.SetDefault("thresholds.ambiguity_margin", 10)
	v.SetDefault("thresholds.exact_similarity", 0.92)
	v.SetDefault("batch.router_size", 50)
	v.SetDefault("batch.pattern_size", 10)
	v.SetDefault("batch.validation_size", 10)
	v.SetDefault("batch.max_concurrent_categories", 4)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_backoff_ms", 5000)
	v.SetDefault("retry.max_backoff_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("oracle.timeout_secs", 120)
	v.SetDefault("oracle.rate_per_sec", 4)
	v.SetDefault("oracle.breaker_threshold", 5)
	v.SetDefault("oracle.breaker_reset_secs", 60)
	v.SetDefault("cache.ttl_hours", 720)
	v.SetDefault("cache.min_confidence", 70)
	v.SetDefault("paths.rules_dir", "rules")
	v.SetDefault("paths.examples_file", "validated_parts.csv")
	v.SetDefault("paths.output_dir", "output")
	v.SetDefault("pricing.jina.per_mtok", 0.02)
	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.review_rate_threshold", 0.50)
	v.SetDefault("monitoring.min_records", 5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings required by mode are present. Modes:
// "classify" (online run), "offline" (stub collaborators) and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "classify":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		switch c.Search.Provider {
		case "jina":
			if c.Jina.Key == "" {
				errs = append(errs, "jina.key is required")
			}
		case "perplexity":
			if c.Perplexity.Key == "" {
				errs = append(errs, "perplexity.key is required")
			}
		default:
			errs = append(errs, "search.provider must be jina or perplexity")
		}
	case "offline":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	t := c.Thresholds
	if t.Medium < 0 || t.Medium > t.AutoApprove || t.AutoApprove > 100 {
		errs = append(errs, "thresholds must satisfy 0 <= medium <= auto_approve <= 100")
	}
	if t.Escalate < 0 || t.Escalate > 100 {
		errs = append(errs, "thresholds.escalate must be between 0 and 100")
	}
	if t.ExactSimilarity <= 0 || t.ExactSimilarity > 1 {
		errs = append(errs, "thresholds.exact_similarity must be in (0, 1]")
	}
	if c.Batch.PatternSize < 1 || c.Batch.PatternSize > 50 {
		errs = append(errs, "batch.pattern_size must be between 1 and 50")
	}
	if c.Batch.ValidationSize < 1 || c.Batch.ValidationSize > 50 {
		errs = append(errs, "batch.validation_size must be between 1 and 50")
	}
	if c.Batch.MaxConcurrentCategories < 1 {
		errs = append(errs, "batch.max_concurrent_categories must be >= 1")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 10 {
		errs = append(errs, "retry.max_retries must be between 0 and 10")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
