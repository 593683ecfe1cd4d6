package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/clash-of-farms/event-router/internal/retry"
)

// DefaultHTTPAddr is where /health, /readyz and /metrics are served.
const DefaultHTTPAddr = "0.0.0.0:8000"

// ConfigError reports a missing or invalid setting that prevents startup.
type ConfigError struct {
	Field  string
	Env    string
	Reason string
}

func (e *ConfigError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}
	return fmt.Sprintf("config: %s %s (set %s)", e.Field, reason, e.Env)
}

type AWSConfig struct {
	Region string `yaml:"region" env:"AWS_REGION"`
}

type EventBridgeConfig struct {
	BusName  string `yaml:"busName" env:"EVENT_BRIDGE_BUS_NAME"`
	Endpoint string `yaml:"endpoint" env:"EVENT_BRIDGE_ENDPOINT"`
}

type MomentoConfig struct {
	AuthToken     string `yaml:"authToken" env:"MOMENTO_AUTH_TOKEN"`
	AuthTokenFile string `yaml:"authTokenFile" env:"MOMENTO_AUTH_TOKEN_FILE"`
	TopicName     string `yaml:"topicName" env:"MOMENTO_TOPIC_NAME"`
	CacheName     string `yaml:"cacheName" env:"MOMENTO_CACHE_NAME"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"EVENT_ROUTER_HTTP_ADDR"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"EVENT_ROUTER_LOG_LEVEL"`
}

type PublishConfig struct {
	Timeout     time.Duration `yaml:"timeout" env:"EVENT_ROUTER_PUBLISH_TIMEOUT"`
	MaxAttempts int           `yaml:"maxAttempts" env:"EVENT_ROUTER_PUBLISH_MAX_ATTEMPTS"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval" env:"EVENT_ROUTER_RECONNECT_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"maxInterval" env:"EVENT_ROUTER_RECONNECT_MAX_INTERVAL"`
	// MaxAttempts bounds consecutive setup failures. 0 retries forever.
	MaxAttempts   int  `yaml:"maxAttempts" env:"EVENT_ROUTER_RECONNECT_MAX_ATTEMPTS"`
	ExitOnFailure bool `yaml:"exitOnFailure" env:"EVENT_ROUTER_EXIT_ON_SUBSCRIPTION_FAILURE"`
	// StableAfter is how long a stream must stay up, without delivering,
	// before its end no longer counts as a failure.
	StableAfter time.Duration `yaml:"stableAfter" env:"EVENT_ROUTER_RECONNECT_STABLE_AFTER"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"EVENT_ROUTER_OTEL_ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SampleRatio float64 `yaml:"sampleRatio" env:"EVENT_ROUTER_OTEL_SAMPLE_RATIO"`
}

// Config is the complete router configuration.
type Config struct {
	AWS         AWSConfig         `yaml:"aws"`
	EventBridge EventBridgeConfig `yaml:"eventBridge"`
	Momento     MomentoConfig     `yaml:"momento"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
	Publish     PublishConfig     `yaml:"publish"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	pub := retry.PublishDefaults()
	rec := retry.ReconnectDefaults()
	return Config{
		HTTP: HTTPConfig{Addr: DefaultHTTPAddr},
		Log:  LogConfig{Level: "info"},
		Publish: PublishConfig{
			Timeout:     10 * time.Second,
			MaxAttempts: pub.MaxAttempts,
		},
		Reconnect: ReconnectConfig{
			InitialInterval: rec.InitialInterval,
			MaxInterval:     rec.MaxInterval,
			MaxAttempts:     rec.MaxAttempts,
			StableAfter:     10 * time.Second,
		},
		Tracing: TracingConfig{Endpoint: "localhost:4317", SampleRatio: 1},
	}
}

// Load builds the configuration. Environment variables win over the YAML
// file at path, which wins over defaults. An empty path skips the file.
// Variables from a .env file in the working directory are applied first
// without overriding the real environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings required to start.
func (c Config) Validate() error {
	var errs []error
	if c.EventBridge.BusName == "" {
		errs = append(errs, &ConfigError{Field: "eventBridge.busName", Env: "EVENT_BRIDGE_BUS_NAME"})
	}
	if c.Publish.Timeout <= 0 {
		errs = append(errs, &ConfigError{Field: "publish.timeout", Env: "EVENT_ROUTER_PUBLISH_TIMEOUT", Reason: "must be positive"})
	}
	if c.Publish.MaxAttempts < 1 {
		errs = append(errs, &ConfigError{Field: "publish.maxAttempts", Env: "EVENT_ROUTER_PUBLISH_MAX_ATTEMPTS", Reason: "must be at least 1"})
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, &ConfigError{Field: "reconnect.maxAttempts", Env: "EVENT_ROUTER_RECONNECT_MAX_ATTEMPTS", Reason: "must not be negative"})
	}
	if c.Reconnect.InitialInterval <= 0 || c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
		errs = append(errs, &ConfigError{Field: "reconnect.initialInterval", Env: "EVENT_ROUTER_RECONNECT_INITIAL_INTERVAL", Reason: "must be positive and not exceed the max interval"})
	}
	if c.Reconnect.StableAfter <= 0 {
		errs = append(errs, &ConfigError{Field: "reconnect.stableAfter", Env: "EVENT_ROUTER_RECONNECT_STABLE_AFTER", Reason: "must be positive"})
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, &ConfigError{Field: "tracing.sampleRatio", Env: "EVENT_ROUTER_OTEL_SAMPLE_RATIO", Reason: "must be in (0, 1]"})
	}
	return errors.Join(errs...)
}

// PublishRetry returns the retry policy for event bus publishes.
func (c Config) PublishRetry() retry.Config {
	r := retry.PublishDefaults()
	r.MaxAttempts = c.Publish.MaxAttempts
	return r
}

// ReconnectRetry returns the retry policy for topic subscriptions.
func (c Config) ReconnectRetry() retry.Config {
	r := retry.ReconnectDefaults()
	r.InitialInterval = c.Reconnect.InitialInterval
	r.MaxInterval = c.Reconnect.MaxInterval
	r.MaxAttempts = c.Reconnect.MaxAttempts
	return r
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
