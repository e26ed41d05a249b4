package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the mail router
type Config struct {
	Cache    CacheConfig    `koanf:"cache"`
	Database DatabaseConfig `koanf:"database"`
	Broker   BrokerConfig   `koanf:"broker"`
	Router   RouterConfig   `koanf:"router"`
	MX       MXConfig       `koanf:"mx"`
	GC       GCConfig       `koanf:"gc"`
	Relay    RelayConfig    `koanf:"relay"`
	Retry    RetryConfig    `koanf:"retry"`
	Headers  HeadersConfig  `koanf:"headers"`
	DKIM     DKIMConfig     `koanf:"dkim"`
	Policies PoliciesConfig `koanf:"policies"`
	Logging  LoggingConfig  `koanf:"logging"`
	Sandbox  bool           `koanf:"sandbox"`
}

// CacheConfig holds the Redis status-cache configuration
type CacheConfig struct {
	RedisURL        string `koanf:"redis_url"`         // Redis connection URL
	Prefix          string `koanf:"prefix"`            // prefix for every cache key
	StatusPrefix    string `koanf:"status_prefix"`     // status-cache prefix under Prefix
	StatusTimeout   string `koanf:"status_timeout"`    // TTL of status-cache entries
	TokenTimeout    string `koanf:"token_timeout"`     // TTL of delivery tokens
	LockTimeout     string `koanf:"lock_timeout"`      // routing lock auto-expire
	LockWaiting     string `koanf:"lock_waiting"`      // routing lock blocking budget
	MaxPingFailures int    `koanf:"max_ping_failures"` // consecutive misses before disabling a worker
}

// DatabaseConfig holds the relational store configuration
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"` // Postgres connection string
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
}

// BrokerConfig holds the queue naming configuration
type BrokerConfig struct {
	RoutingQueue     string `koanf:"routing_queue"`      // shared routing queue
	QueuedMailQueue  string `koanf:"queued_mail_queue"`  // holding queue
	MXQueuePrefix    string `koanf:"mx_queue_prefix"`    // first-attempt queue, {ip} formatted
	MXRetryPrefix    string `koanf:"mx_retry_prefix"`    // retry queue, {ip} formatted
	DefaultRetryWait string `koanf:"default_retry_wait"` // broker-level autoretry delay
	MaxRetries       int    `koanf:"max_retries"`        // broker-level autoretry cap
}

// RouterConfig holds router-role configuration
type RouterConfig struct {
	Concurrency int `koanf:"concurrency"` // routing consumers per process
}

// MXConfig holds MX-worker-role configuration
type MXConfig struct {
	EhloAs      string `koanf:"ehlo_as"`     // EHLO name presented to remote MXes
	SrcAddr     string `koanf:"src_addr"`    // SMTP source address, one worker per IP
	WorkerName  string `koanf:"worker_name"` // defaults to hostname@src_addr
	Concurrency int    `koanf:"concurrency"`
}

// GCConfig holds garbage-collector-role configuration
type GCConfig struct {
	PingSchedule     string `koanf:"ping_schedule"`     // cron spec for the worker ping
	DisabledSchedule string `koanf:"disabled_schedule"` // cron spec for the disabled-queue sweep
	PurgeSchedule    string `koanf:"purge_schedule"`    // cron spec for the body purge
	RetentionWindow  string `koanf:"retention_window"`  // body retention after terminal status
}

// RelayConfig holds the outbound SMTP relay configuration.
// Timeouts only recognizes connect_timeout, command_timeout, data_timeout
// and idle_timeout; any other key is a configuration error.
type RelayConfig struct {
	Timeouts   map[string]string `koanf:"timeouts"`
	RequireTLS bool              `koanf:"require_tls"`
	VerifyTLS  bool              `koanf:"verify_tls"`
	ForceMX    map[string]string `koanf:"force_mx"` // domain -> host override, dev only
}

// RetryConfig is the exponential back-off retry policy
type RetryConfig struct {
	MinRetryInterval int `koanf:"min_retry_interval"` // seconds
	MaxRetryInterval int `koanf:"max_retry_interval"` // seconds
	TimeBeforeDrop   int `koanf:"time_before_drop"`   // seconds
}

// HeadersConfig holds the mandatory header names and the removal list
type HeadersConfig struct {
	MessageID   string   `koanf:"message_id"` // header carrying the mail identifier
	Pool        string   `koanf:"pool"`       // header carrying the pool label
	Blacklisted []string `koanf:"blacklisted"`
}

// DKIMConfig holds DKIM signing material
type DKIMConfig struct {
	Selector         string   `koanf:"selector"`
	KeyFile          string   `koanf:"key_file"`
	ExtraSignHeaders []string `koanf:"extra_sign_headers"`
}

// PoliciesConfig holds the worker policy chain and its settings
type PoliciesConfig struct {
	Worker         []string                  `koanf:"worker"`          // ordered registry keys
	Relay          []string                  `koanf:"relay"`           // ordered relay policy keys
	WorkerSettings map[string]map[string]any `koanf:"worker_settings"` // defaults advertised by new workers
	WarmUpDomains  map[string][]string       `koanf:"warm_up_domains"` // group -> [domains]
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			RedisURL:        "redis://localhost:6379/0",
			Prefix:          "ms",
			StatusPrefix:    "status",
			StatusTimeout:   "360h", // 15 days
			TokenTimeout:    "240h", // 10 days
			LockTimeout:     "5m",
			LockWaiting:     "7s",
			MaxPingFailures: 10,
		},
		Database: DatabaseConfig{
			DSN:          "postgres://mailrouter@localhost/mailrouter?sslmode=disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Broker: BrokerConfig{
			RoutingQueue:     "mailsend.mail.routing",
			QueuedMailQueue:  "mailsend.mail.queued",
			MXQueuePrefix:    "mailsend.mail.send.first:{ip}",
			MXRetryPrefix:    "mailsend.mail.send.retry:{ip}",
			DefaultRetryWait: "3m",
			MaxRetries:       6720, // two weeks at the default retry wait
		},
		Router: RouterConfig{
			Concurrency: 4,
		},
		MX: MXConfig{
			Concurrency: 4,
		},
		GC: GCConfig{
			PingSchedule:     "@every 1m",
			DisabledSchedule: "@every 5m",
			PurgeSchedule:    "@every 1h",
			RetentionWindow:  "360h",
		},
		Relay: RelayConfig{
			Timeouts: map[string]string{
				"connect_timeout": "30s",
				"command_timeout": "30s",
			},
			VerifyTLS: true,
		},
		Retry: RetryConfig{
			MinRetryInterval: 600,
			MaxRetryInterval: 3600,
			TimeBeforeDrop:   2 * 24 * 3600,
		},
		Headers: HeadersConfig{
			MessageID: "X-Mailrouter-Message-Id",
			Pool:      "X-Mailrouter-Pool",
		},
		Policies: PoliciesConfig{
			Worker: []string{"pool", "rate_limit", "greylist", "warm_up"},
			Relay:  []string{"headers", "dkim"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	// Load YAML config file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// relayTimeoutKeys are the only keys relay.timeouts recognizes.
var relayTimeoutKeys = map[string]bool{
	"connect_timeout": true,
	"command_timeout": true,
	"data_timeout":    true,
	"idle_timeout":    true,
}

// Validate checks if the configuration is valid. Role is the process
// role ("router", "mx", "gc" or "admin"); some settings are only
// mandatory on MX workers.
func (c *Config) Validate(role string) error {
	if c.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required")
	}
	if c.Cache.Prefix == "" {
		return fmt.Errorf("cache.prefix is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// These headers must be defined on every node type
	if c.Headers.MessageID == "" {
		return fmt.Errorf("headers.message_id is required")
	}
	if c.Headers.Pool == "" {
		return fmt.Errorf("headers.pool is required")
	}

	for key := range c.Relay.Timeouts {
		if !relayTimeoutKeys[key] {
			return fmt.Errorf("relay.timeouts doesn't recognize %q", key)
		}
	}

	if err := c.validateDurations(); err != nil {
		return err
	}

	if c.Retry.MinRetryInterval < 2 {
		return fmt.Errorf("retry.min_retry_interval must be at least 2 seconds")
	}
	if c.Retry.MaxRetryInterval < c.Retry.MinRetryInterval {
		return fmt.Errorf("retry.max_retry_interval must be >= retry.min_retry_interval")
	}
	if c.Retry.TimeBeforeDrop < c.Retry.MinRetryInterval {
		return fmt.Errorf("retry.time_before_drop must be >= retry.min_retry_interval")
	}

	if role == "mx" {
		if c.MX.EhloAs == "" {
			return fmt.Errorf("mx.ehlo_as is required on MX workers")
		}
		if c.MX.SrcAddr == "" {
			return fmt.Errorf("mx.src_addr is required on MX workers")
		}
		for _, name := range c.Policies.Relay {
			if name != "dkim" {
				continue
			}
			if c.DKIM.Selector == "" {
				return fmt.Errorf("dkim.selector is required when the dkim relay policy is enabled")
			}
			if c.DKIM.KeyFile == "" {
				return fmt.Errorf("dkim.key_file is required when the dkim relay policy is enabled")
			}
			if _, err := os.Stat(c.DKIM.KeyFile); err != nil {
				return fmt.Errorf("dkim.key_file: %w", err)
			}
		}
	}

	return nil
}

// validateDurations ensures every duration-typed setting parses
func (c *Config) validateDurations() error {
	durations := map[string]string{
		"cache.status_timeout":      c.Cache.StatusTimeout,
		"cache.token_timeout":       c.Cache.TokenTimeout,
		"cache.lock_timeout":        c.Cache.LockTimeout,
		"cache.lock_waiting":        c.Cache.LockWaiting,
		"broker.default_retry_wait": c.Broker.DefaultRetryWait,
		"gc.retention_window":       c.GC.RetentionWindow,
	}
	for name, value := range durations {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, value)
		}
	}
	for name, value := range c.Relay.Timeouts {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("relay.timeouts.%s is invalid: %w", name, err)
		}
	}
	return nil
}

// Duration parses a duration-typed setting that Validate already checked.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// StatusTimeout returns the status-cache TTL as a duration.
func (c *Config) StatusTimeout() time.Duration { return Duration(c.Cache.StatusTimeout) }

// TokenTimeout returns the delivery-token TTL as a duration.
func (c *Config) TokenTimeout() time.Duration { return Duration(c.Cache.TokenTimeout) }

// LockTimeout returns the routing-lock auto-expire as a duration.
func (c *Config) LockTimeout() time.Duration { return Duration(c.Cache.LockTimeout) }

// LockWaiting returns the blocking-acquire budget as a duration.
func (c *Config) LockWaiting() time.Duration { return Duration(c.Cache.LockWaiting) }

// RelayTimeout returns one of the relay timeouts, or zero when unset.
func (c *Config) RelayTimeout(key string) time.Duration {
	v, ok := c.Relay.Timeouts[key]
	if !ok || v == "" {
		return 0
	}
	return Duration(v)
}

// MXQueueName formats the first-attempt (or retry) queue name for an IP.
func (c *Config) MXQueueName(ip string, retry bool) string {
	prefix := c.Broker.MXQueuePrefix
	if retry {
		prefix = c.Broker.MXRetryPrefix
	}
	return formatQueue(prefix, ip)
}

func formatQueue(prefix, ip string) string {
	out := make([]byte, 0, len(prefix)+len(ip))
	for i := 0; i < len(prefix); i++ {
		if i+4 <= len(prefix) && prefix[i:i+4] == "{ip}" {
			out = append(out, ip...)
			i += 3
			continue
		}
		out = append(out, prefix[i])
	}
	return string(out)
}
