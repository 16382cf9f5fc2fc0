package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // reference zones must load on minimal images

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// GRANTOOR_ACCESS_COOLDOWN=30m overrides access.cooldown.
	EnvPrefix = "GRANTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultTimezone is the reference zone for calendar days.
	DefaultTimezone = "UTC"

	// DefaultTerm is how long an approved grant lasts.
	DefaultTerm = 7 * 24 * time.Hour

	// DefaultMaxPosts is the per-day post limit applied to new grants.
	DefaultMaxPosts = 3

	// DefaultCooldown is the minimum gap between two access requests.
	DefaultCooldown = time.Hour

	// DefaultSweepInterval is how often expired grants are swept.
	DefaultSweepInterval = 60 * time.Second

	// DefaultCleanupInterval is how often old requests are cleaned up.
	DefaultCleanupInterval = time.Hour

	// DefaultRequestRetention is how long decided requests are kept.
	DefaultRequestRetention = 30 * 24 * time.Hour

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultNotifyTimeout bounds a single webhook delivery.
	DefaultNotifyTimeout = 10 * time.Second

	// DefaultNotifyRPS caps outbound webhook deliveries per second.
	DefaultNotifyRPS = 25

	// DefaultNotifyConcurrency bounds the admin fan-out.
	DefaultNotifyConcurrency = 4
)

// Approval policies.
const (
	// ApprovalPolicyReset grants a fresh term with the default limit.
	ApprovalPolicyReset = "reset"
	// ApprovalPolicyPreserveLimit grants a fresh term but keeps a
	// per-principal limit override from the previous grant.
	ApprovalPolicyPreserveLimit = "preserve_limit"
)

// Config is the root configuration for grantoor.
type Config struct {
	LogLevel  string          `yaml:"log_level" mapstructure:"log_level"`
	Access    AccessConfig    `yaml:"access" mapstructure:"access"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
}

// AccessConfig contains the access lifecycle policy.
type AccessConfig struct {
	Admins          []int64       `yaml:"admins" mapstructure:"admins"`
	ChannelID       int64         `yaml:"channel_id" mapstructure:"channel_id"`
	Timezone        string        `yaml:"timezone" mapstructure:"timezone"`
	Term            time.Duration `yaml:"term" mapstructure:"term"`
	DefaultMaxPosts int           `yaml:"default_max_posts" mapstructure:"default_max_posts"`
	Cooldown        time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	ApprovalPolicy  string        `yaml:"approval_policy" mapstructure:"approval_policy"`
}

// IsAdmin reports whether the principal is a configured administrator.
func (c *AccessConfig) IsAdmin(principalID int64) bool {
	for _, id := range c.Admins {
		if id == principalID {
			return true
		}
	}

	return false
}

// Location returns the reference time zone. Validate rejects unknown
// zones, so an unloadable zone here falls back to UTC.
func (c *AccessConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}

	return loc
}

// SchedulerConfig contains the reconciliation loop settings.
type SchedulerConfig struct {
	SweepInterval    time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	RequestRetention time.Duration `yaml:"request_retention" mapstructure:"request_retention"`
	PendingTTL       time.Duration `yaml:"pending_ttl" mapstructure:"pending_ttl"`
}

// NotifyConfig configures delivery of outbound notifications.
type NotifyConfig struct {
	WebhookURL        string        `yaml:"webhook_url,omitempty" mapstructure:"webhook_url"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerSecond int           `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
}

// Load reads one or more YAML files (later files override earlier ones),
// applies GRANTOOR_* environment overrides and defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		err = v.MergeConfig(f)
		_ = f.Close()

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override it
// even when the YAML file omits the key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)

	v.SetDefault("access.admins", []int64{})
	v.SetDefault("access.channel_id", 0)
	v.SetDefault("access.timezone", DefaultTimezone)
	v.SetDefault("access.term", DefaultTerm)
	v.SetDefault("access.default_max_posts", DefaultMaxPosts)
	v.SetDefault("access.cooldown", DefaultCooldown)
	v.SetDefault("access.approval_policy", ApprovalPolicyReset)

	v.SetDefault("scheduler.sweep_interval", DefaultSweepInterval)
	v.SetDefault("scheduler.cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("scheduler.request_retention", DefaultRequestRetention)
	v.SetDefault("scheduler.pending_ttl", time.Duration(0))

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "grantoor.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "grantoor")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.admin_token_hash", "")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.events.requests_per_minute", 60)
	v.SetDefault("server.rate_limit.admin.requests_per_minute", 60)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", DefaultNotifyTimeout)
	v.SetDefault("notify.requests_per_second", DefaultNotifyRPS)
	v.SetDefault("notify.concurrency", DefaultNotifyConcurrency)
}

// applyDefaults fills values that decoded to their zero value.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Access.Timezone == "" {
		c.Access.Timezone = DefaultTimezone
	}

	if c.Access.Term == 0 {
		c.Access.Term = DefaultTerm
	}

	if c.Access.DefaultMaxPosts == 0 {
		c.Access.DefaultMaxPosts = DefaultMaxPosts
	}

	if c.Access.ApprovalPolicy == "" {
		c.Access.ApprovalPolicy = ApprovalPolicyReset
	}

	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = DefaultSweepInterval
	}

	if c.Scheduler.CleanupInterval == 0 {
		c.Scheduler.CleanupInterval = DefaultCleanupInterval
	}

	if c.Scheduler.RequestRetention == 0 {
		c.Scheduler.RequestRetention = DefaultRequestRetention
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = DefaultNotifyTimeout
	}

	if c.Notify.RequestsPerSecond == 0 {
		c.Notify.RequestsPerSecond = DefaultNotifyRPS
	}

	if c.Notify.Concurrency == 0 {
		c.Notify.Concurrency = DefaultNotifyConcurrency
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Access.Admins) == 0 {
		return fmt.Errorf("at least one administrator must be configured")
	}

	seen := make(map[int64]struct{}, len(c.Access.Admins))

	for _, id := range c.Access.Admins {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate administrator id %d", id)
		}

		seen[id] = struct{}{}
	}

	if _, err := time.LoadLocation(c.Access.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Access.Timezone, err)
	}

	if c.Access.Term <= 0 {
		return fmt.Errorf("access.term must be positive")
	}

	if c.Access.DefaultMaxPosts <= 0 {
		return fmt.Errorf("access.default_max_posts must be positive")
	}

	if c.Access.Cooldown < 0 {
		return fmt.Errorf("access.cooldown must not be negative")
	}

	switch c.Access.ApprovalPolicy {
	case ApprovalPolicyReset, ApprovalPolicyPreserveLimit:
	default:
		return fmt.Errorf(
			"access.approval_policy must be %q or %q, got %q",
			ApprovalPolicyReset, ApprovalPolicyPreserveLimit,
			c.Access.ApprovalPolicy,
		)
	}

	if c.Scheduler.SweepInterval <= 0 || c.Scheduler.CleanupInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}

	if c.Scheduler.PendingTTL < 0 {
		return fmt.Errorf("scheduler.pending_ttl must not be negative")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Notify.RequestsPerSecond < 0 || c.Notify.Concurrency < 0 {
		return fmt.Errorf("notify limits must not be negative")
	}

	return nil
}
