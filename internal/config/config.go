package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved configuration for one Core instance.
type Config struct {
	Budget  BudgetConfig  `mapstructure:"budget"`
	Models  ModelsConfig  `mapstructure:"models"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BudgetConfig binds R_MAX, T_MAX_DAY, C_MAX_DAY, plus the usage ledger's
// write soft deadline and background buffer size.
type BudgetConfig struct {
	RequestsPerMinute   int           `mapstructure:"requests_per_minute"`    // R_MAX
	TokensPerDay        int64         `mapstructure:"tokens_per_day"`         // T_MAX_DAY
	CostPerDayUSD       float64       `mapstructure:"cost_per_day_usd"`       // C_MAX_DAY
	LedgerSoftDeadline  time.Duration `mapstructure:"ledger_soft_deadline"`
	LedgerBufferSize    int           `mapstructure:"ledger_buffer_size"`
}

// ModelAdapterConfig carries one backend's wire-level settings.
type ModelAdapterConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ModelsConfig struct {
	Roaster ModelAdapterConfig `mapstructure:"roaster"`
	Advisor ModelAdapterConfig `mapstructure:"advisor"`
	Utility ModelAdapterConfig `mapstructure:"utility"`
}

type CacheConfig struct {
	Backend  string        `mapstructure:"backend"` // "memory" or "redis"
	RedisURL string        `mapstructure:"redis_url"`
	StaticTTL      time.Duration `mapstructure:"static_ttl"`
	SlowTTL        time.Duration `mapstructure:"slow_ttl"`
	PromptPrefixTTL time.Duration `mapstructure:"prompt_prefix_ttl"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load reads defaults, an optional config file at configPath, then
// environment variables bound under the LLMCORE_ prefix.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix("LLMCORE")
	v.AutomaticEnv()
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("budget.requests_per_minute", 10)
	v.SetDefault("budget.tokens_per_day", 100_000)
	v.SetDefault("budget.cost_per_day_usd", 5.00)
	v.SetDefault("budget.ledger_soft_deadline", "500ms")
	v.SetDefault("budget.ledger_buffer_size", 1024)

	v.SetDefault("models.roaster.base_url", "https://api.roaster.example/v1")
	v.SetDefault("models.roaster.timeout", "30s")
	v.SetDefault("models.advisor.base_url", "https://api.advisor.example/v1")
	v.SetDefault("models.advisor.timeout", "30s")
	v.SetDefault("models.utility.base_url", "https://api.utility.example/v1")
	v.SetDefault("models.utility.timeout", "30s")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.static_ttl", "24h")
	v.SetDefault("cache.slow_ttl", "1h")
	v.SetDefault("cache.prompt_prefix_ttl", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("budget.requests_per_minute", "R_MAX")
	_ = v.BindEnv("budget.tokens_per_day", "T_MAX_DAY")
	_ = v.BindEnv("budget.cost_per_day_usd", "C_MAX_DAY")

	_ = v.BindEnv("models.roaster.api_key", "ROASTER_API_KEY")
	_ = v.BindEnv("models.advisor.api_key", "ADVISOR_API_KEY")
	_ = v.BindEnv("models.utility.api_key", "UTILITY_API_KEY")

	_ = v.BindEnv("cache.backend", "CACHE_BACKEND")
	_ = v.BindEnv("cache.redis_url", "CACHE_REDIS_URL")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}
