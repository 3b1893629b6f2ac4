package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration, loaded from YAML with
// environment overrides applied on top.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	DatabaseURL string `yaml:"database_url"`

	Auth       AuthConfig      `yaml:"auth"`
	Storage    StorageConfig   `yaml:"storage"`
	Advisory   AdvisoryConfig  `yaml:"advisory"`
	Tolerances ToleranceConfig `yaml:"tolerances"`
}

// AuthConfig for JWT issuance.
type AuthConfig struct {
	Secret        string `yaml:"secret"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
}

// StorageConfig for the MinIO bucket holding source PDFs.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// AdvisoryConfig drives the knowledge-base advisory client. The
// jurisdiction mapping and the model choice are explicit configuration,
// never ambient state, so tests can inject deterministic fixtures.
type AdvisoryConfig struct {
	DefaultProvider string       `yaml:"default_provider"` // "openai" or "gemini"
	OpenAI          OpenAIConfig `yaml:"openai"`
	Gemini          GeminiConfig `yaml:"gemini"`

	// KnowledgeBases maps a state code (e.g. "NC") to the knowledge-base
	// identifier holding that state's tax rules. A state without an
	// entry is a configuration error, not a transient failure.
	KnowledgeBases map[string]string `yaml:"knowledge_bases"`

	Concurrency           int     `yaml:"concurrency"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	RequestsPerSecond     float64 `yaml:"requests_per_second"`
	Burst                 int     `yaml:"burst"`

	Retry RetryConfig `yaml:"retry"`
}

// OpenAIConfig for the OpenAI-backed advisory provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model"`
}

// GeminiConfig for the Gemini-backed advisory provider.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// RetryConfig bounds retries of transient advisory failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier"`
}

// InitialBackoff returns the first retry delay.
func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff returns the backoff cap.
func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMS) * time.Millisecond
}

// ToleranceConfig exposes the numeric tolerances as strings so YAML
// round-trips exactly; accessors parse them into decimals. The original
// system never pinned these down, so they are configuration, not
// constants.
type ToleranceConfig struct {
	RateDelta      string `yaml:"rate_delta"`      // rate match, default 0.0001
	AmountDelta    string `yaml:"amount_delta"`    // tax total match, default 0.01
	RoundingDelta  string `yaml:"rounding_delta"`  // invoice-total check, default 0.02
	RelativeAmount string `yaml:"relative_amount"` // invoice-size scaling, default 0.001
}

func (t ToleranceConfig) Rate() decimal.Decimal {
	return parseDecimalOr(t.RateDelta, "0.0001")
}

func (t ToleranceConfig) Amount() decimal.Decimal {
	return parseDecimalOr(t.AmountDelta, "0.01")
}

func (t ToleranceConfig) Rounding() decimal.Decimal {
	return parseDecimalOr(t.RoundingDelta, "0.02")
}

func (t ToleranceConfig) Relative() decimal.Decimal {
	return parseDecimalOr(t.RelativeAmount, "0.001")
}

func parseDecimalOr(s, fallback string) decimal.Decimal {
	if s != "" {
		if d, err := decimal.NewFromString(s); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(fallback)
	return d
}

// Load reads the YAML config file, applies environment overrides, and
// fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Port = n
		}
	}
	if host := os.Getenv("HOST"); host != "" {
		c.Host = host
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.DatabaseURL = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.Secret = secret
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Advisory.OpenAI.APIKey = key
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		c.Advisory.OpenAI.BaseURL = url
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		c.Advisory.OpenAI.Model = model
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Advisory.Gemini.APIKey = key
	}
	if provider := os.Getenv("ADVISORY_PROVIDER"); provider != "" {
		c.Advisory.DefaultProvider = provider
	}
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		c.Storage.Endpoint = endpoint
	}
	if key := os.Getenv("MINIO_ACCESS_KEY"); key != "" {
		c.Storage.AccessKey = key
	}
	if key := os.Getenv("MINIO_SECRET_KEY"); key != "" {
		c.Storage.SecretKey = key
	}
	if bucket := os.Getenv("MINIO_BUCKET"); bucket != "" {
		c.Storage.Bucket = bucket
	}
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = 24
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "invoices"
	}
	if c.Advisory.DefaultProvider == "" {
		c.Advisory.DefaultProvider = "openai"
	}
	if c.Advisory.OpenAI.Model == "" {
		c.Advisory.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Advisory.Gemini.Model == "" {
		c.Advisory.Gemini.Model = "gemini-1.5-flash"
	}
	if c.Advisory.Concurrency <= 0 {
		c.Advisory.Concurrency = 4
	}
	if c.Advisory.RequestTimeoutSeconds <= 0 {
		c.Advisory.RequestTimeoutSeconds = 60
	}
	if c.Advisory.RequestsPerSecond <= 0 {
		c.Advisory.RequestsPerSecond = 5
	}
	if c.Advisory.Burst <= 0 {
		c.Advisory.Burst = c.Advisory.Concurrency
	}
	if c.Advisory.Retry.MaxAttempts <= 0 {
		c.Advisory.Retry.MaxAttempts = 3
	}
	if c.Advisory.Retry.InitialBackoffMS <= 0 {
		c.Advisory.Retry.InitialBackoffMS = 200
	}
	if c.Advisory.Retry.MaxBackoffMS < c.Advisory.Retry.InitialBackoffMS {
		c.Advisory.Retry.MaxBackoffMS = 2000
	}
	if c.Advisory.Retry.Multiplier < 1.0 {
		c.Advisory.Retry.Multiplier = 2.0
	}
}

// RequestTimeout returns the per-call advisory timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Advisory.RequestTimeoutSeconds) * time.Second
}
