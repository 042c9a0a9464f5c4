package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultBaseURL        = "https://sermon-proxy-849642354380.us-central1.run.app"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-7-sonnet-20250219"
)

type Config struct {
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Account    AccountConfig    `mapstructure:"account"`
	Generation GenerationConfig `mapstructure:"generation"`
	Usage      UsageConfig      `mapstructure:"usage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
}

type ProxyConfig struct {
	BaseURL   string          `mapstructure:"base_url" validate:"required,url"`
	Timeout   time.Duration   `mapstructure:"timeout" validate:"gt=0"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

// AccountConfig identifies this installation to the proxy. When Token is
// empty the CLI loads or creates one at IdentityFile.
type AccountConfig struct {
	Token        string `mapstructure:"token"`
	IdentityFile string `mapstructure:"identity_file"`
}

type GenerationConfig struct {
	DefaultProvider string        `mapstructure:"default_provider" validate:"oneof=openai anthropic"`
	OpenAIModel     string        `mapstructure:"openai_model" validate:"required"`
	AnthropicModel  string        `mapstructure:"anthropic_model" validate:"required"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens" validate:"gte=0"`
	Temperature     float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	PendingRetryTTL time.Duration `mapstructure:"pending_retry_ttl" validate:"gte=0"`
	// StripReasoning drops <think> blocks from displayed and counted output.
	StripReasoning bool `mapstructure:"strip_reasoning"`
}

type UsageConfig struct {
	// DatabaseDSN enables the durable ledger when set.
	DatabaseDSN string `mapstructure:"database_dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Enabled  bool   `mapstructure:"enabled"`
	Prefix   string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// SandboxConfig drives the local stand-in for the proxy backend.
type SandboxConfig struct {
	Port              string        `mapstructure:"port" validate:"required"`
	JWTSecret         string        `mapstructure:"jwt_secret" validate:"required,min=16"`
	TokenTTL          time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	TokensQuota       int           `mapstructure:"tokens_quota" validate:"gte=0"`
	BoostersBalance   int           `mapstructure:"boosters_balance" validate:"gte=0"`
	ProcessingDelay   time.Duration `mapstructure:"processing_delay" validate:"gte=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	// Environment Variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.base_url", DefaultBaseURL)
	v.SetDefault("proxy.timeout", 60*time.Second)
	v.SetDefault("proxy.rate_limit.requests_per_second", 0.0)
	v.SetDefault("proxy.rate_limit.burst", 1)

	v.SetDefault("account.token", "")
	v.SetDefault("account.identity_file", ".sermonproxy/identity")

	v.SetDefault("generation.default_provider", "openai")
	v.SetDefault("generation.openai_model", DefaultOpenAIModel)
	v.SetDefault("generation.anthropic_model", DefaultAnthropicModel)
	v.SetDefault("generation.max_output_tokens", 800)
	v.SetDefault("generation.temperature", 0.2)
	v.SetDefault("generation.pending_retry_ttl", 10*time.Minute)
	v.SetDefault("generation.strip_reasoning", false)

	v.SetDefault("usage.database_dsn", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "sermonproxy:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "sermonproxy")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("sandbox.port", "8787")
	v.SetDefault("sandbox.jwt_secret", "sandbox-secret-change-me")
	v.SetDefault("sandbox.token_ttl", time.Hour)
	v.SetDefault("sandbox.tokens_quota", 100000)
	v.SetDefault("sandbox.boosters_balance", 0)
	v.SetDefault("sandbox.processing_delay", 0)
	v.SetDefault("sandbox.requests_per_second", 10.0)
	v.SetDefault("sandbox.burst", 20)
}

// Validate checks the decoded configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
