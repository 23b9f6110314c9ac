package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	ContactForge ContactForgeConfig `yaml:"contactforge" mapstructure:"contactforge"`
	Salesforce   SalesforceConfig   `yaml:"salesforce" mapstructure:"salesforce"`
	Budget       BudgetConfig       `yaml:"budget" mapstructure:"budget"`
	Jobs         JobsConfig         `yaml:"jobs" mapstructure:"jobs"`
	Campaign     CampaignConfig     `yaml:"campaign" mapstructure:"campaign"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxTokens   int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ContactForgeConfig holds contact discovery provider settings.
type ContactForgeConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	WebhookURL    string `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID       string  `yaml:"client_id" mapstructure:"client_id"`
	Username       string  `yaml:"username" mapstructure:"username"`
	KeyPath        string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL       string  `yaml:"login_url" mapstructure:"login_url"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// BudgetConfig bounds AI token spend per project.
type BudgetConfig struct {
	ProjectID   string `yaml:"project_id" mapstructure:"project_id"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	WindowHours int    `yaml:"window_hours" mapstructure:"window_hours"`
}

// JobsConfig configures job lifecycle housekeeping.
type JobsConfig struct {
	StaleAfterMins    int `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	ReaperIntervalMin int `yaml:"reaper_interval_mins" mapstructure:"reaper_interval_mins"`
	BackgroundWorkers int `yaml:"background_workers" mapstructure:"background_workers"`
}

// CampaignConfig configures bulk research runs.
type CampaignConfig struct {
	DelayMillis int `yaml:"delay_millis" mapstructure:"delay_millis"`
}

// PricingConfig holds per-model token pricing (USD per million tokens).
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing.
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.timeout_secs", 120)
	v.SetDefault("contactforge.base_url", "https://api.contactforge.io/v2")
	v.SetDefault("contactforge.timeout_secs", 30)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.requests_per_sec", 5)
	v.SetDefault("budget.project_id", "default")
	v.SetDefault("budget.window_hours", 24)
	v.SetDefault("jobs.stale_after_mins", 30)
	v.SetDefault("jobs.reaper_interval_mins", 5)
	v.SetDefault("jobs.background_workers", 4)
	v.SetDefault("campaign.delay_millis", 500)
	v.SetDefault("pricing.anthropic", map[string]ModelPricing{
		"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.10},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.10},
	})

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
