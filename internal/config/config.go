// Package config loads and validates listener configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Site       SiteConfig       `mapstructure:"site"`
	Webmention WebmentionConfig `mapstructure:"webmention"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Vouch      VouchConfig      `mapstructure:"vouch"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SiteConfig describes the site receiving mentions.
type SiteConfig struct {
	// BaseURL is the namespace every target must live under.
	BaseURL string `mapstructure:"base_url"`
	// ContentPath is where rendered snippets are written, mirroring the site's URL layout.
	ContentPath string `mapstructure:"content_path"`
}

// WebmentionConfig governs verification policy and background processing.
type WebmentionConfig struct {
	RequireVouch   bool `mapstructure:"require_vouch"`
	VouchedDefault bool `mapstructure:"vouched_default"`
	Async          bool `mapstructure:"async"`
	Workers        int  `mapstructure:"workers"`
	QueueDepth     int  `mapstructure:"queue_depth"`
}

// HTTPConfig configures outbound fetches.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	InsecureTLS    bool   `mapstructure:"insecure_tls"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// RateLimitConfig controls the per-host outbound limiter.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// StorageConfig selects where mention records are written.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
	Bucket  string             `mapstructure:"bucket"`
}

// LocalStorageConfig holds the filesystem root for records.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// VouchConfig controls the vouch allow-list and probing.
type VouchConfig struct {
	AllowListPath    string        `mapstructure:"allow_list_path"`
	NegativeCacheTTL time.Duration `mapstructure:"negative_cache_ttl"`
}

// RedisConfig enables the key-value record mirror.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DatabaseConfig enables the Postgres record mirror.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig enumerates the event handlers registered at startup.
type EventsConfig struct {
	Handlers []string `mapstructure:"handlers"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// AuditConfig locates the per-claim audit log.
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds a Config from disk/environment. With an empty path, config.yaml
// is looked up in the working directory, /etc/indieweb-listener and
// $HOME/.indieweb-listener; a missing file leaves defaults and env in place.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTENER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/indieweb-listener/")
		v.AddConfigPath("$HOME/.indieweb-listener")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("server.port", 5000)
	v.SetDefault("site.base_url", "")
	v.SetDefault("site.content_path", "data/content")
	v.SetDefault("webmention.require_vouch", false)
	v.SetDefault("webmention.vouched_default", false)
	v.SetDefault("webmention.async", false)
	v.SetDefault("webmention.workers", 2)
	v.SetDefault("webmention.queue_depth", 64)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "indieweb-listener/0.1")
	v.SetDefault("http.insecure_tls", false)
	v.SetDefault("http.max_body_bytes", 5*1024*1024)
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "mentions")
	v.SetDefault("storage.local.base_dir", "data/webmention")
	v.SetDefault("vouch.allow_list_path", "data/webmention/vouch_domains.txt")
	v.SetDefault("vouch.negative_cache_ttl", "0s")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "webmention")
	v.SetDefault("database.table", "mentions")
	v.SetDefault("events.handlers", []string{"log"})
	v.SetDefault("logging.development", true)
	v.SetDefault("audit.path", "data/webmention/mentions.log")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	base, err := url.Parse(c.Site.BaseURL)
	if c.Site.BaseURL == "" || err != nil || base.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute URL")
	}
	if c.Site.ContentPath == "" {
		return fmt.Errorf("site.content_path must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Webmention.Async && c.Webmention.Workers <= 0 {
		return fmt.Errorf("webmention.workers must be > 0 when async is enabled")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Vouch.AllowListPath == "" {
		return fmt.Errorf("vouch.allow_list_path must be set")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address must be set when redis is enabled")
	}
	return nil
}

// RequestTimeout converts the outbound HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
