// Package config loads the pipeline configuration: defaults, then an
// optional YAML profile, then environment variables, strongest last. A .env
// file is honoured in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of a worker process.
type Config struct {
	// Environment is "development" or "production".
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	QueueName   string `yaml:"queue_name"`

	ListenAddr string `yaml:"listen_addr"`

	CRMProvider string `yaml:"crm_provider"`
	CRM         CRM    `yaml:"crm"`

	AIProvider string `yaml:"ai_provider"`
	AIModel    string `yaml:"ai_model"`
	AIBaseURL  string `yaml:"ai_base_url"`

	EnrichmentURL string `yaml:"enrichment_url"`

	Worker Worker `yaml:"worker"`

	RateLimit RateLimit `yaml:"rate_limit"`

	// RedactionStrategy is mask, hash or truncate.
	RedactionStrategy string `yaml:"redaction_strategy"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// CRM holds the executor connection settings. Secret values name secrets,
// resolved later through the secrets provider.
type CRM struct {
	BaseURL           string  `yaml:"base_url"`
	ClientID          string  `yaml:"client_id"`
	Username          string  `yaml:"username"`
	TokenURL          string  `yaml:"token_url"`
	PrivateKeySecret  string  `yaml:"private_key_secret"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// Worker tunes the consumer pool.
type Worker struct {
	Concurrency int           `yaml:"concurrency"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
	GracePeriod time.Duration `yaml:"grace_period"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// RateLimit carries the provider-bucket overrides; tier limits are fixed.
type RateLimit struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

func defaults() Config {
	return Config{
		Environment: "development",
		LogLevel:    "info",
		RedisURL:    "redis://localhost:6379/0",
		DatabaseURL: "file:groundline.db",
		QueueName:   "lead-processing",
		ListenAddr:  ":8080",
		CRMProvider: "MOCK",
		AIProvider:  "local",
		Worker: Worker{
			Concurrency: 4,
			JobTimeout:  60 * time.Second,
			GracePeriod: 30 * time.Second,
			MaxAttempts: 5,
			BaseDelay:   time.Second,
		},
		RateLimit: RateLimit{
			Requests:      1000,
			WindowSeconds: 60,
		},
		RedactionStrategy: "truncate",
	}
}

// Load builds the configuration. path optionally names a YAML profile;
// empty falls back to the CONFIG_FILE variable, then no profile.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read profile %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Environment, "ENVIRONMENT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.QueueName, "QUEUE_NAME")
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.CRMProvider, "CRM_PROVIDER")
	setString(&cfg.CRM.BaseURL, "CRM_BASE_URL")
	setString(&cfg.CRM.ClientID, "CRM_CLIENT_ID")
	setString(&cfg.CRM.Username, "CRM_USERNAME")
	setString(&cfg.CRM.TokenURL, "CRM_TOKEN_URL")
	setString(&cfg.CRM.PrivateKeySecret, "CRM_PRIVATE_KEY_SECRET")
	setString(&cfg.AIProvider, "AI_PROVIDER")
	setString(&cfg.AIModel, "AI_MODEL")
	setString(&cfg.AIBaseURL, "AI_BASE_URL")
	setString(&cfg.EnrichmentURL, "ENRICHMENT_URL")
	setString(&cfg.RedactionStrategy, "REDACTION_STRATEGY")
	setString(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	setInt(&cfg.Worker.Concurrency, "WORKER_CONCURRENCY")
	setInt(&cfg.Worker.MaxAttempts, "WORKER_MAX_ATTEMPTS")
	setInt(&cfg.RateLimit.Requests, "CRM_RATE_LIMIT_REQUESTS")
	setInt(&cfg.RateLimit.WindowSeconds, "CRM_RATE_LIMIT_WINDOW_SECONDS")
}

func (c *Config) validate() error {
	if c.QueueName == "" {
		return fmt.Errorf("config: queue name must not be empty")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker concurrency must be positive")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("config: rate limit overrides must be positive")
	}
	return nil
}

// ProviderWindow returns the CRM bucket window as a duration.
func (c *Config) ProviderWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// Development reports whether the process runs in development mode.
func (c *Config) Development() bool {
	return c.Environment != "production"
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
