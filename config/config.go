// Package config loads the conductor configuration. The orchestration core
// never reads the environment: everything it needs arrives through a Config
// built here, with defaults for every field.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"goa.design/conductor/runtime/breaker"
	"goa.design/conductor/runtime/idempotency"
	"goa.design/conductor/runtime/pipeline"
	"goa.design/conductor/runtime/ratelimit"
	"goa.design/conductor/runtime/retry"
	"goa.design/conductor/runtime/session"
)

type (
	// Config is the complete conductor configuration.
	Config struct {
		// RateLimits configures each rate limit category.
		RateLimits map[ratelimit.Category]ratelimit.Limit `yaml:"rate_limits" validate:"required,dive,keys,oneof=tool_call sampling command config_access,endkeys"`
		// Breaker configures provider circuit breaking.
		Breaker breaker.Config `yaml:"breaker"`
		// Retry configures provider call retries.
		Retry retry.Policy `yaml:"retry"`
		// Idempotency configures the stage idempotency guard.
		Idempotency IdempotencyConfig `yaml:"idempotency"`
		// Session configures the session store.
		Session SessionConfig `yaml:"session"`
		// Retention configures session housekeeping.
		Retention session.RetentionConfig `yaml:"retention"`
		// Executor configures pipeline execution.
		Executor ExecutorConfig `yaml:"executor"`
		// Providers configures the LLM provider adapters.
		Providers ProvidersConfig `yaml:"providers"`
		// Definitions is the path of the pipeline definitions file.
		Definitions string `yaml:"definitions"`
		// Log configures logging.
		Log LogConfig `yaml:"log"`
	}

	// IdempotencyConfig configures the idempotency guard.
	IdempotencyConfig struct {
		// Lease is the minimum lease held on a stage fingerprint.
		Lease time.Duration `yaml:"lease" validate:"gt=0"`
	}

	// SessionConfig configures session persistence and locking.
	SessionConfig struct {
		// Backend selects where documents are stored.
		Backend string `yaml:"backend" validate:"oneof=memory file badger sqlite mongo"`
		// Dir is the directory of the file backend and of file lock leases.
		Dir string `yaml:"dir" validate:"required_if=Backend file"`
		// BadgerDir is the badger data directory. Empty runs badger in memory.
		BadgerDir string `yaml:"badger_dir"`
		// SQLitePath is the sqlite database file.
		SQLitePath string `yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
		// Mongo configures the mongo backend.
		Mongo MongoConfig `yaml:"mongo"`
		// Locker selects the lease backend for writer leases and the
		// idempotency guard.
		Locker string `yaml:"locker" validate:"oneof=memory file redis"`
		// RedisAddr is the redis address used by the redis locker.
		RedisAddr string `yaml:"redis_addr" validate:"required_if=Locker redis"`
		// LeaseTTL is the writer lease duration.
		LeaseTTL time.Duration `yaml:"lease_ttl" validate:"gt=0"`
		// Debounce controls write coalescing.
		Debounce session.DebounceConfig `yaml:"debounce"`
		// EncryptionSecretEnv names the environment variable holding the
		// encryption secret. Empty disables encryption.
		EncryptionSecretEnv string `yaml:"encryption_secret_env"`
	}

	// MongoConfig configures the mongo session backend.
	MongoConfig struct {
		URI        string        `yaml:"uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
	}

	// ExecutorConfig configures the pipeline executor.
	ExecutorConfig struct {
		// MaxConcurrency bounds concurrent stage invocations.
		MaxConcurrency int `yaml:"max_concurrency" validate:"gt=0"`
		// DefaultTimeout bounds stages without a timeout.
		DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`
	}

	// ProvidersConfig configures the LLM provider adapters.
	ProvidersConfig struct {
		Anthropic ProviderConfig `yaml:"anthropic"`
		OpenAI    ProviderConfig `yaml:"openai"`
		// TokensPerMinute is the initial adaptive throughput budget per
		// provider. Zero disables the adaptive limiter.
		TokensPerMinute int `yaml:"tokens_per_minute" validate:"gte=0"`
	}

	// ProviderConfig configures one provider adapter.
	ProviderConfig struct {
		// APIKeyEnv names the environment variable holding the API key. The
		// provider is disabled when the variable is unset.
		APIKeyEnv string `yaml:"api_key_env"`
		// BaseURL overrides the API endpoint.
		BaseURL string `yaml:"base_url" validate:"omitempty,url"`
		// DefaultModel is used when a capability does not name a model.
		DefaultModel string `yaml:"default_model" validate:"required"`
	}

	// LogConfig configures logging.
	LogConfig struct {
		// Format is "text" or "json".
		Format string `yaml:"format" validate:"oneof=text json"`
		// Debug enables debug logs.
		Debug bool `yaml:"debug"`
	}
)

var validate = validator.New()

// Default returns the default configuration.
func Default() Config {
	return Config{
		RateLimits:  ratelimit.DefaultLimits(),
		Breaker:     breaker.DefaultConfig(),
		Retry:       retry.DefaultPolicy(),
		Idempotency: IdempotencyConfig{Lease: idempotency.DefaultLease},
		Session: SessionConfig{
			Backend:  "file",
			Dir:      ".conductor/sessions",
			Locker:   "file",
			LeaseTTL: session.DefaultLeaseTTL,
			Debounce: session.DefaultDebounce(),
			Mongo: MongoConfig{
				Database:   "conductor",
				Collection: "sessions",
				Timeout:    5 * time.Second,
			},
		},
		Retention: session.DefaultRetention(),
		Executor: ExecutorConfig{
			MaxConcurrency: pipeline.DefaultMaxConcurrency,
			DefaultTimeout: pipeline.DefaultStageTimeout,
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{APIKeyEnv: "ANTHROPIC_API_KEY", DefaultModel: "claude-sonnet-4-5"},
			OpenAI:    ProviderConfig{APIKeyEnv: "OPENAI_API_KEY", DefaultModel: "gpt-4o"},
		},
		Definitions: "pipelines.yaml",
		Log:         LogConfig{Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. Categories listed under rate_limits replace the default for that
// category and must be complete.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Session.Backend == "mongo" && c.Session.Mongo.URI == "" {
		return errors.New("session.mongo.uri is required for the mongo backend")
	}
	if c.Session.LeaseTTL < session.MinLeaseTTL {
		return fmt.Errorf("session.lease_ttl must be at least %s so renewals every %s keep the lease alive", session.MinLeaseTTL, session.RenewInterval(session.MinLeaseTTL))
	}
	if c.Session.Locker == "file" && c.Session.Dir == "" {
		return errors.New("session.dir is required for the file locker")
	}
	return nil
}
