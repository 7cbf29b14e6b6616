// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bgm-collector/internal/user"
)

const day = 24 * time.Hour

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Collector CollectorConfig `mapstructure:"collector"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls the Postgres pool. An empty DSN keeps everything in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// FetcherConfig holds the outbound proxy and one client per upstream.
type FetcherConfig struct {
	Proxy   ProxyConfig             `mapstructure:"proxy"`
	Clients map[string]ClientConfig `mapstructure:"clients"`
}

// ProxyConfig names an HTTP proxy. An empty host disables it.
type ProxyConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// URL renders the proxy address, or "" when unset.
func (p ProxyConfig) URL() string {
	if p.Host == "" {
		return ""
	}
	if strings.Contains(p.Host, "://") {
		return fmt.Sprintf("%s:%d", p.Host, p.Port)
	}
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// ClientConfig tunes one outbound client.
type ClientConfig struct {
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	MaxConns       int               `mapstructure:"max_conns"`
	UseProxy       bool              `mapstructure:"use_proxy"`
	Headers        map[string]string `mapstructure:"headers"`
	RatePerSecond  float64           `mapstructure:"rate_per_second"`
	Burst          int               `mapstructure:"burst"`
	UserAgent      string            `mapstructure:"user_agent"`
}

// Timeout converts TimeoutSeconds.
func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HTTPHeaders returns Headers with canonical names.
func (c ClientConfig) HTTPHeaders() http.Header {
	h := http.Header{}
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

// CollectorConfig tunes the user and on-air orchestrators.
type CollectorConfig struct {
	User  UserConfig  `mapstructure:"user"`
	OnAir OnAirConfig `mapstructure:"onair"`
}

// FreshDuration holds per-state freshness in days. Negative means never stale.
type FreshDuration struct {
	Active    int `mapstructure:"active"`
	Abandoned int `mapstructure:"abandoned"`
	Dropped   int `mapstructure:"dropped"`
	Banned    int `mapstructure:"banned"`
}

// UserConfig tunes user refreshes.
type UserConfig struct {
	Origins               []string      `mapstructure:"origins"`
	FreshDuration         FreshDuration `mapstructure:"fresh_duration"`
	ProfilePermits        int           `mapstructure:"profile_permits"`
	NamePermits           int           `mapstructure:"name_permits"`
	MaxWalkPages          int           `mapstructure:"max_walk_pages"`
	MaxRedirects          int           `mapstructure:"max_redirects"`
	RefreshTimeoutSeconds int           `mapstructure:"refresh_timeout_seconds"`
	InactiveMonths        int           `mapstructure:"inactive_months"`
}

// OnAirConfig points at the catalog mirror.
type OnAirConfig struct {
	Mirror string `mapstructure:"mirror"`
}

// SchedulerConfig holds job schedules.
type SchedulerConfig struct {
	TimeoutSeconds int       `mapstructure:"timeout_seconds"`
	OnAir          JobConfig `mapstructure:"onair"`
}

// JobConfig schedules one job.
type JobConfig struct {
	Cron   string `mapstructure:"cron"`
	Retry  int    `mapstructure:"retry"`
	RunNow bool   `mapstructure:"run_now"`
}

// CacheConfig controls the catalog read cache.
type CacheConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	SizeMB     int  `mapstructure:"size_mb"`
	TTLSeconds int  `mapstructure:"ttl_seconds"`
}

// TTL converts TTLSeconds.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ArchiveConfig selects where raw catalog payloads are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate", true)

	v.SetDefault("fetcher.clients.bangumi.timeout_seconds", 15)
	v.SetDefault("fetcher.clients.bangumi.max_conns", 32)
	v.SetDefault("fetcher.clients.bangumi.rate_per_second", 2.0)
	v.SetDefault("fetcher.clients.bangumi.burst", 4)
	v.SetDefault("fetcher.clients.bangumi.user_agent", "bgm-collector/1.0 (+https://github.com/JakeFAU/bgm-collector)")
	v.SetDefault("fetcher.clients.onair.timeout_seconds", 60)
	v.SetDefault("fetcher.clients.onair.max_conns", 2)
	v.SetDefault("fetcher.clients.onair.user_agent", "bgm-collector/1.0 (+https://github.com/JakeFAU/bgm-collector)")

	v.SetDefault("collector.user.origins", user.DefaultOrigins)
	v.SetDefault("collector.user.fresh_duration.active", 1)
	v.SetDefault("collector.user.fresh_duration.abandoned", 30)
	v.SetDefault("collector.user.fresh_duration.dropped", 36500)
	v.SetDefault("collector.user.fresh_duration.banned", 36500)
	v.SetDefault("collector.user.profile_permits", 10)
	v.SetDefault("collector.user.name_permits", 10)
	v.SetDefault("collector.user.max_walk_pages", 200)
	v.SetDefault("collector.user.max_redirects", 3)
	v.SetDefault("collector.user.refresh_timeout_seconds", 120)
	v.SetDefault("collector.user.inactive_months", 12)
	v.SetDefault("collector.onair.mirror", "https://github.com/bangumi-data/bangumi-data/raw/refs/heads/master/dist/data.json")

	v.SetDefault("scheduler.timeout_seconds", 600)
	v.SetDefault("scheduler.onair.cron", "0 0 0 * * *")
	v.SetDefault("scheduler.onair.retry", 1)
	v.SetDefault("scheduler.onair.run_now", true)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.size_mb", 16)
	v.SetDefault("cache.ttl_seconds", 3600)

	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "bgm-collector")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Collector.User.Origins) == 0 {
		return fmt.Errorf("collector.user.origins must not be empty")
	}
	if c.Collector.User.ProfilePermits <= 0 || c.Collector.User.NamePermits <= 0 {
		return fmt.Errorf("collector.user permits must be > 0")
	}
	if c.Collector.OnAir.Mirror == "" {
		return fmt.Errorf("collector.onair.mirror is required")
	}
	if c.Scheduler.OnAir.Cron == "" {
		return fmt.Errorf("scheduler.onair.cron is required")
	}
	for name, client := range c.Fetcher.Clients {
		if client.TimeoutSeconds <= 0 {
			return fmt.Errorf("fetcher.clients.%s.timeout_seconds must be > 0", name)
		}
		if client.UseProxy && c.Fetcher.Proxy.Host == "" {
			return fmt.Errorf("fetcher.clients.%s.use_proxy requires fetcher.proxy.host", name)
		}
	}
	if c.Cache.Enabled && c.Cache.SizeMB <= 0 {
		return fmt.Errorf("cache.size_mb must be > 0 when cache is enabled")
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// Client returns the named client settings, or zero values when absent.
func (c Config) Client(name string) ClientConfig {
	return c.Fetcher.Clients[name]
}

// FreshnessPolicy converts the day-based table into a user.Policy.
func (c Config) FreshnessPolicy() user.Policy {
	fd := c.Collector.User.FreshDuration
	return user.Policy{
		Active:    days(fd.Active),
		Abandoned: days(fd.Abandoned),
		Dropped:   days(fd.Dropped),
		Banned:    days(fd.Banned),
	}
}

func days(n int) time.Duration {
	if n < 0 {
		return -1
	}
	return time.Duration(n) * day
}

// RefreshTimeout bounds one background user refresh.
func (c Config) RefreshTimeout() time.Duration {
	return time.Duration(c.Collector.User.RefreshTimeoutSeconds) * time.Second
}

// JobTimeout bounds one scheduled job attempt.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Scheduler.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
