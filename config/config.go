// Package config holds the frozen-at-startup option bundle for the RPC
// client: env vars via caarlos0/env, an optional .env file via godotenv,
// then range/structural validation before anything starts.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config enumerates every option recognized by the RPC client, including
// broker bootstrap settings and a few knobs beyond the minimal core.
type Config struct {
	// Broker wiring
	BrokerAddress        string   `env:"RPC_BROKER_ADDRESS" envDefault:"localhost:9092"`
	BrokerSeedAddresses  []string `env:"RPC_BROKER_SEEDS" envSeparator:","`
	RequestTopic         string   `env:"RPC_REQUEST_TOPIC" envDefault:"rpc.requests"`
	ResponseTopicPrefix  string   `env:"RPC_RESPONSE_TOPIC_PREFIX" envDefault:"rpc.responses."`
	RequestTopicQueues   int      `env:"RPC_REQUEST_TOPIC_QUEUES" envDefault:"8"`
	ResponseTopicQueues  int      `env:"RPC_RESPONSE_TOPIC_QUEUES" envDefault:"1"`

	// Timeouts and caps
	DefaultTimeoutMs       int `env:"RPC_DEFAULT_TIMEOUT_MS" envDefault:"5000"`
	MaxConcurrentRequests  int `env:"RPC_MAX_CONCURRENT_REQUESTS" envDefault:"1000"`
	MaxConcurrentSessions  int `env:"RPC_MAX_CONCURRENT_SESSIONS" envDefault:"200"`
	SendTimeoutMs          int `env:"RPC_SEND_TIMEOUT_MS" envDefault:"5000"`
	RetrySync              int `env:"RPC_RETRY_SYNC" envDefault:"2"`
	RetryAsync             int `env:"RPC_RETRY_ASYNC" envDefault:"2"`
	MaxMessageBytes        int `env:"RPC_MAX_MESSAGE_BYTES" envDefault:"1048576"`
	ConsumeThreadsMin      int `env:"RPC_CONSUME_THREADS_MIN" envDefault:"2"`
	ConsumeThreadsMax      int `env:"RPC_CONSUME_THREADS_MAX" envDefault:"16"`
	PullBatch              int `env:"RPC_PULL_BATCH" envDefault:"50"`
	ConsumeBatch           int `env:"RPC_CONSUME_BATCH" envDefault:"50"`

	// Idle reaping (session manager)
	SessionIdleTimeoutMs int `env:"RPC_SESSION_IDLE_TIMEOUT_MS" envDefault:"60000"`
	ReapIntervalMs       int `env:"RPC_REAP_INTERVAL_MS" envDefault:"5000"`

	// Metrics
	MetricsLogEnabled     bool `env:"RPC_METRICS_LOG_ENABLED" envDefault:"true"`
	MetricsLogIntervalSec int  `env:"RPC_METRICS_LOG_INTERVAL_SEC" envDefault:"30"`

	// Send-side rate limiting; 0 disables it.
	SendRatePerSec int `env:"RPC_SEND_RATE_PER_SEC" envDefault:"0"`

	// Logging
	LogLevel  string `env:"RPC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RPC_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from environment variables, with an optional
// .env file loaded first (ignored if absent).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Absence of a .env file is fine; env vars and defaults still apply.
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate enforces range and structural checks on the core options and on
// the log level and format. BrokerSeedAddresses, the topic queue counts,
// SessionIdleTimeoutMs and ReapIntervalMs are not checked.
func (c *Config) Validate() error {
	if c.BrokerAddress == "" {
		return fmt.Errorf("RPC_BROKER_ADDRESS is required")
	}
	if c.RequestTopic == "" {
		return fmt.Errorf("RPC_REQUEST_TOPIC is required")
	}
	if c.ResponseTopicPrefix == "" {
		return fmt.Errorf("RPC_RESPONSE_TOPIC_PREFIX is required")
	}
	if c.DefaultTimeoutMs < 100 || c.DefaultTimeoutMs > 300_000 {
		return fmt.Errorf("RPC_DEFAULT_TIMEOUT_MS must be 100-300000, got %d", c.DefaultTimeoutMs)
	}
	if c.MaxConcurrentRequests < 1 || c.MaxConcurrentRequests > 10_000 {
		return fmt.Errorf("RPC_MAX_CONCURRENT_REQUESTS must be 1-10000, got %d", c.MaxConcurrentRequests)
	}
	if c.MaxConcurrentSessions < 1 || c.MaxConcurrentSessions > 1_000 {
		return fmt.Errorf("RPC_MAX_CONCURRENT_SESSIONS must be 1-1000, got %d", c.MaxConcurrentSessions)
	}
	if c.SendTimeoutMs < 1_000 || c.SendTimeoutMs > 30_000 {
		return fmt.Errorf("RPC_SEND_TIMEOUT_MS must be 1000-30000, got %d", c.SendTimeoutMs)
	}
	if c.RetrySync < 0 || c.RetrySync > 10 {
		return fmt.Errorf("RPC_RETRY_SYNC must be 0-10, got %d", c.RetrySync)
	}
	if c.RetryAsync < 0 || c.RetryAsync > 10 {
		return fmt.Errorf("RPC_RETRY_ASYNC must be 0-10, got %d", c.RetryAsync)
	}
	const maxMessageBytesCap = 4 * 1024 * 1024
	if c.MaxMessageBytes < 1 || c.MaxMessageBytes > maxMessageBytesCap {
		return fmt.Errorf("RPC_MAX_MESSAGE_BYTES must be 1-%d, got %d", maxMessageBytesCap, c.MaxMessageBytes)
	}
	if c.ConsumeThreadsMin < 1 || c.ConsumeThreadsMin > 1_000 {
		return fmt.Errorf("RPC_CONSUME_THREADS_MIN must be 1-1000, got %d", c.ConsumeThreadsMin)
	}
	if c.ConsumeThreadsMax < c.ConsumeThreadsMin || c.ConsumeThreadsMax > 1_000 {
		return fmt.Errorf("RPC_CONSUME_THREADS_MAX must be >= min and <= 1000, got %d", c.ConsumeThreadsMax)
	}
	if c.PullBatch < 1 || c.PullBatch > 100 {
		return fmt.Errorf("RPC_PULL_BATCH must be 1-100, got %d", c.PullBatch)
	}
	if c.ConsumeBatch < 1 || c.ConsumeBatch > 100 {
		return fmt.Errorf("RPC_CONSUME_BATCH must be 1-100, got %d", c.ConsumeBatch)
	}
	if c.MetricsLogIntervalSec < 10 || c.MetricsLogIntervalSec > 3_600 {
		return fmt.Errorf("RPC_METRICS_LOG_INTERVAL_SEC must be 10-3600, got %d", c.MetricsLogIntervalSec)
	}
	if c.SendRatePerSec < 0 {
		return fmt.Errorf("RPC_SEND_RATE_PER_SEC must be >= 0, got %d", c.SendRatePerSec)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("RPC_LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("RPC_LOG_FORMAT must be one of json, pretty (got %s)", c.LogFormat)
	}
	return nil
}

// DefaultTimeout returns DefaultTimeoutMs as a time.Duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

// LogConfig emits a single structured line describing the loaded config.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("broker_address", c.BrokerAddress).
		Str("request_topic", c.RequestTopic).
		Str("response_topic_prefix", c.ResponseTopicPrefix).
		Int("default_timeout_ms", c.DefaultTimeoutMs).
		Int("max_concurrent_requests", c.MaxConcurrentRequests).
		Int("max_concurrent_sessions", c.MaxConcurrentSessions).
		Int("consume_threads_min", c.ConsumeThreadsMin).
		Int("consume_threads_max", c.ConsumeThreadsMax).
		Bool("metrics_log_enabled", c.MetricsLogEnabled).
		Int("metrics_log_interval_sec", c.MetricsLogIntervalSec).
		Msg("rpc client configuration loaded")
}
