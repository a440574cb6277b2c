// Package config loads courierd configuration from a file and the
// environment. Every key can be overridden with a COURIERD_-prefixed
// environment variable, dots replaced by underscores.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Adapters  AdaptersConfig  `mapstructure:"adapters"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Locale    LocaleConfig    `mapstructure:"locale"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Log       LogConfig       `mapstructure:"log"`
	SentryDSN string          `mapstructure:"sentry_dsn"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type PostgresConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type WorkerConfig struct {
	// Count of concurrent delivery workers. 0 means CPU count times the
	// IO multiplier.
	Count        int `mapstructure:"count"`
	IOMultiplier int `mapstructure:"io_multiplier"`

	ScheduledSweepInterval time.Duration `mapstructure:"scheduled_sweep_interval"`
	RetrySweepInterval     time.Duration `mapstructure:"retry_sweep_interval"`
	BatchSweepInterval     time.Duration `mapstructure:"batch_sweep_interval"`
	ExpirySweepInterval    time.Duration `mapstructure:"expiry_sweep_interval"`
	ReconcileInterval      time.Duration `mapstructure:"reconcile_interval"`
	AgingThreshold         time.Duration `mapstructure:"aging_threshold"`
}

type RateLimitConfig struct {
	// PerMinute and Burst are keyed by channel name; unset channels use
	// the built-in defaults.
	PerMinute map[string]float64 `mapstructure:"per_minute"`
	Burst     map[string]float64 `mapstructure:"burst"`
}

type RetryConfig struct {
	// MaxRetries is keyed by channel name; unset channels use the
	// built-in defaults.
	MaxRetries map[string]int `mapstructure:"max_retries"`

	// Delays replaces the backoff ladder. Empty keeps the built-in
	// ladder.
	Delays []time.Duration `mapstructure:"delays"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

type AdaptersConfig struct {
	// Timeout is the fallback provider call deadline; Timeouts overrides
	// it per channel.
	Timeout  time.Duration            `mapstructure:"timeout"`
	Timeouts map[string]time.Duration `mapstructure:"timeouts"`

	SMTP    SMTPConfig    `mapstructure:"smtp"`
	SMS     ProviderHTTP  `mapstructure:"sms"`
	Push    ProviderHTTP  `mapstructure:"push"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// TimeoutFor returns the provider call deadline for one channel.
func (a AdaptersConfig) TimeoutFor(channel string) time.Duration {
	if d, ok := a.Timeouts[channel]; ok && d > 0 {
		return d
	}
	return a.Timeout
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type ProviderHTTP struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	From    string `mapstructure:"from"`
}

type WebhookConfig struct {
	SigningSecret string `mapstructure:"signing_secret"`
}

type BatchConfig struct {
	// DailyHour is the user-local hour digests go out.
	DailyHour int `mapstructure:"daily_hour"`
	// WeeklyDay is the weekday for weekly digests.
	WeeklyDay string `mapstructure:"weekly_day"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Weekday resolves the configured weekly digest day, defaulting to
// Monday on an unknown name.
func (b BatchConfig) Weekday() time.Weekday {
	if d, ok := weekdayNames[strings.ToLower(b.WeeklyDay)]; ok {
		return d
	}
	return time.Monday
}

type LocaleConfig struct {
	DefaultLanguage    string   `mapstructure:"default_language"`
	SupportedLanguages []string `mapstructure:"supported_languages"`
	DefaultTimezone    string   `mapstructure:"default_timezone"`
}

type DirectoryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Rotation   bool   `mapstructure:"rotation"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("postgres.url", "postgres://localhost:5432/courierd?sslmode=disable")
	v.SetDefault("postgres.max_open_conns", 25)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("worker.count", 0)
	v.SetDefault("worker.io_multiplier", 4)
	v.SetDefault("worker.scheduled_sweep_interval", time.Second)
	v.SetDefault("worker.retry_sweep_interval", 5*time.Second)
	v.SetDefault("worker.batch_sweep_interval", time.Minute)
	v.SetDefault("worker.expiry_sweep_interval", time.Minute)
	v.SetDefault("worker.reconcile_interval", 5*time.Minute)
	v.SetDefault("worker.aging_threshold", 30*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 60*time.Second)

	v.SetDefault("adapters.timeout", 30*time.Second)
	v.SetDefault("adapters.smtp.port", 587)

	v.SetDefault("batch.daily_hour", 0)
	v.SetDefault("batch.weekly_day", "monday")

	v.SetDefault("locale.default_language", "en")
	v.SetDefault("locale.supported_languages", []string{"en", "ar"})
	v.SetDefault("locale.default_timezone", "UTC")

	v.SetDefault("directory.timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
}

// Load reads configuration from the optional file at path plus the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COURIERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres.url is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count must not be negative")
	}
	if c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	for name := range c.RateLimit.PerMinute {
		if !validChannelName(name) {
			return fmt.Errorf("rate_limit.per_minute: unknown channel %q", name)
		}
	}
	for name := range c.Retry.MaxRetries {
		if !validChannelName(name) {
			return fmt.Errorf("retry.max_retries: unknown channel %q", name)
		}
	}
	for i, d := range c.Retry.Delays {
		if d <= 0 {
			return fmt.Errorf("retry.delays[%d] must be positive", i)
		}
	}
	for name := range c.Adapters.Timeouts {
		if !validChannelName(name) {
			return fmt.Errorf("adapters.timeouts: unknown channel %q", name)
		}
	}
	if c.Batch.DailyHour < 0 || c.Batch.DailyHour > 23 {
		return fmt.Errorf("batch.daily_hour must be between 0 and 23")
	}
	if c.Batch.WeeklyDay != "" {
		if _, ok := weekdayNames[strings.ToLower(c.Batch.WeeklyDay)]; !ok {
			return fmt.Errorf("batch.weekly_day: unknown weekday %q", c.Batch.WeeklyDay)
		}
	}
	return nil
}

func validChannelName(name string) bool {
	switch name {
	case "email", "sms", "push", "in_app", "webhook":
		return true
	}
	return false
}
