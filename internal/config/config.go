// Package config defines the tickwatch configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by TICKWATCH_* environment variables.
type Config struct {
	Feed     FeedConfig     `toml:"feed" envconfig:"feed"`
	Alerts   AlertsConfig   `toml:"alerts" envconfig:"alerts"`
	Postgres PostgresConfig `toml:"postgres" envconfig:"postgres"`
	Redis    RedisConfig    `toml:"redis" envconfig:"redis"`
	S3       S3Config       `toml:"s3" envconfig:"s3"`
	Archive  ArchiveConfig  `toml:"archive" envconfig:"archive"`
	Server   ServerConfig   `toml:"server" envconfig:"server"`
	Notify   NotifyConfig   `toml:"notify" envconfig:"notify"`
	Mode     string         `toml:"mode" envconfig:"mode"`
	LogLevel string         `toml:"log_level" envconfig:"log_level"`
}

// FeedConfig covers the market data connection, reconnect policy and the
// REST fallback poller.
type FeedConfig struct {
	WSURL            string   `toml:"ws_url" envconfig:"ws_url"`
	RESTURL          string   `toml:"rest_url" envconfig:"rest_url"`
	AccessToken      string   `toml:"access_token" envconfig:"access_token"`
	TokenFile        string   `toml:"token_file" envconfig:"token_file"`
	TokenPassword    string   `toml:"token_password" envconfig:"token_password"`
	Symbols          []string `toml:"symbols" envconfig:"symbols"`
	HandshakeTimeout duration `toml:"handshake_timeout" envconfig:"handshake_timeout"`
	DialTimeout      duration `toml:"dial_timeout" envconfig:"dial_timeout"`
	BackoffBase      duration `toml:"backoff_base" envconfig:"backoff_base"`
	BackoffCap       duration `toml:"backoff_cap" envconfig:"backoff_cap"`
	MaxReconnects    int      `toml:"max_reconnects" envconfig:"max_reconnects"`
	PollInterval     duration `toml:"poll_interval" envconfig:"poll_interval"`
	PollRateLimit    int      `toml:"poll_rate_limit" envconfig:"poll_rate_limit"`
	PollRateWindow   duration `toml:"poll_rate_window" envconfig:"poll_rate_window"`
	DedupTTL         duration `toml:"dedup_ttl" envconfig:"dedup_ttl"`
}

// AlertsConfig bounds the rule set and the per-symbol history that
// condition predicates see.
type AlertsConfig struct {
	MaxRules      int      `toml:"max_rules" envconfig:"max_rules"`
	HistoryWindow duration `toml:"history_window" envconfig:"history_window"`
	HistoryPoints int      `toml:"history_points" envconfig:"history_points"`
	RulesFile     string   `toml:"rules_file" envconfig:"rules_file"`
	QueueSize     int      `toml:"queue_size" envconfig:"queue_size"`
}

// PostgresConfig holds connection parameters. When disabled, rules persist
// to alerts.rules_file and no audit log is kept.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled" envconfig:"enabled"`
	DSN           string `toml:"dsn" envconfig:"dsn"`
	Host          string `toml:"host" envconfig:"host"`
	Port          int    `toml:"port" envconfig:"port"`
	Database      string `toml:"database" envconfig:"database"`
	User          string `toml:"user" envconfig:"user"`
	Password      string `toml:"password" envconfig:"password"`
	SSLMode       string `toml:"ssl_mode" envconfig:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns" envconfig:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns" envconfig:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations" envconfig:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled the price
// cache and signal bus are kept in process.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled" envconfig:"enabled"`
	Addr       string `toml:"addr" envconfig:"addr"`
	Password   string `toml:"password" envconfig:"password"`
	DB         int    `toml:"db" envconfig:"db"`
	PoolSize   int    `toml:"pool_size" envconfig:"pool_size"`
	MaxRetries int    `toml:"max_retries" envconfig:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled" envconfig:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint" envconfig:"endpoint"`
	Region         string `toml:"region" envconfig:"region"`
	Bucket         string `toml:"bucket" envconfig:"bucket"`
	AccessKey      string `toml:"access_key" envconfig:"access_key"`
	SecretKey      string `toml:"secret_key" envconfig:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" envconfig:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" envconfig:"force_path_style"`
}

// ArchiveConfig schedules the trigger history archive. It needs Postgres
// and S3.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled" envconfig:"enabled"`
	RetentionDays int    `toml:"retention_days" envconfig:"retention_days"`
	Cron          string `toml:"cron" envconfig:"cron"`
}

// duration lets TOML and the environment use strings like "5s" or "1m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters. An empty APIKey disables auth.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled" envconfig:"enabled"`
	Port        int      `toml:"port" envconfig:"port"`
	APIKey      string   `toml:"api_key" envconfig:"api_key"`
	CORSOrigins []string `toml:"cors_origins" envconfig:"cors_origins"`
	RateLimit   int      `toml:"rate_limit" envconfig:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" envconfig:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" envconfig:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" envconfig:"discord_webhook_url"`
	Events            []string `toml:"events" envconfig:"events"`
}

// Run modes.
const (
	ModeStream = "stream"
	ModePoll   = "poll"
)

// Defaults returns the built-in configuration; config.example.toml mirrors
// it.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			WSURL:            "ws://localhost:8765/stream",
			RESTURL:          "http://localhost:8765",
			Symbols:          []string{"NIFTY", "BANKNIFTY", "SENSEX"},
			HandshakeTimeout: duration{10 * time.Second},
			DialTimeout:      duration{10 * time.Second},
			BackoffBase:      duration{time.Second},
			BackoffCap:       duration{30 * time.Second},
			MaxReconnects:    5,
			PollInterval:     duration{5 * time.Second},
			PollRateLimit:    30,
			PollRateWindow:   duration{time.Minute},
			DedupTTL:         duration{time.Minute},
		},
		Alerts: AlertsConfig{
			MaxRules:      100,
			HistoryWindow: duration{6 * time.Hour},
			HistoryPoints: 500,
			RulesFile:     "data/rules.yaml",
			QueueSize:     256,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tickwatch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tickwatch-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Cron:          "0 11 * * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"alert.triggered", "feed.down"},
		},
		Mode:     ModeStream,
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	ModeStream: true,
	ModePoll:   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: stream, poll)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Feed
	if strings.EqualFold(c.Mode, ModeStream) && c.Feed.WSURL == "" {
		errs = append(errs, "feed: ws_url must not be empty in stream mode")
	}
	if c.Feed.RESTURL == "" {
		errs = append(errs, "feed: rest_url must not be empty")
	}
	if c.Feed.TokenFile != "" && c.Feed.TokenPassword == "" {
		errs = append(errs, "feed: token_password is required when token_file is set")
	}
	if c.Feed.BackoffBase.Duration <= 0 {
		errs = append(errs, "feed: backoff_base must be > 0")
	}
	if c.Feed.BackoffCap.Duration < c.Feed.BackoffBase.Duration {
		errs = append(errs, "feed: backoff_cap must be >= backoff_base")
	}
	if c.Feed.MaxReconnects < 1 {
		errs = append(errs, "feed: max_reconnects must be >= 1")
	}
	if c.Feed.PollInterval.Duration <= 0 {
		errs = append(errs, "feed: poll_interval must be > 0")
	}
	if c.Feed.PollRateLimit < 0 {
		errs = append(errs, "feed: poll_rate_limit must be >= 0")
	}

	// Alerts
	if c.Alerts.MaxRules < 1 {
		errs = append(errs, "alerts: max_rules must be >= 1")
	}
	if c.Alerts.HistoryPoints < 2 {
		errs = append(errs, "alerts: history_points must be >= 2")
	}
	if !c.Postgres.Enabled && c.Alerts.RulesFile == "" {
		errs = append(errs, "alerts: rules_file is required when postgres is disabled")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			errs = append(errs, "archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %q", c.Archive.Cron))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
