package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
site:
  base_url: https://bear.im/bearlog
  content_path: /srv/bear.im/content
webmention:
  require_vouch: true
  async: true
  workers: 3
  queue_depth: 16
http:
  timeout_seconds: 45
  user_agent: test-agent
  insecure_tls: true
storage:
  backend: local
  local:
    base_dir: /srv/webmention
vouch:
  allow_list_path: /srv/webmention/vouch_domains.txt
  negative_cache_ttl: 10m
redis:
  enabled: true
  address: 10.0.0.1:6379
  db: 2
events:
  handlers: ["log", "pubsub"]
logging:
  development: false
  file: /var/log/webmentions.log
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Site.BaseURL != "https://bear.im/bearlog" || cfg.Site.ContentPath != "/srv/bear.im/content" {
		t.Fatalf("expected site overrides to apply: %+v", cfg.Site)
	}
	if !cfg.Webmention.RequireVouch || !cfg.Webmention.Async || cfg.Webmention.Workers != 3 {
		t.Fatalf("expected webmention overrides to apply: %+v", cfg.Webmention)
	}
	if !cfg.HTTP.InsecureTLS || cfg.HTTP.UserAgent != "test-agent" {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.Vouch.NegativeCacheTTL != 10*time.Minute {
		t.Fatalf("expected negative cache ttl 10m, got %v", cfg.Vouch.NegativeCacheTTL)
	}
	if !cfg.Redis.Enabled || cfg.Redis.DB != 2 || cfg.Redis.KeyPrefix != "webmention" {
		t.Fatalf("expected redis overrides with default prefix: %+v", cfg.Redis)
	}
	if len(cfg.Events.Handlers) != 2 || cfg.Events.Handlers[1] != "pubsub" {
		t.Fatalf("expected event handlers to load: %+v", cfg.Events.Handlers)
	}
	if got := cfg.RequestTimeout(); got != 45*time.Second {
		t.Fatalf("expected request timeout 45s, got %v", got)
	}
}

func TestLoadDefaultsRequireBaseURL(t *testing.T) {
	t.Parallel()

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "site.base_url") {
		t.Fatalf("expected base url error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Site:    SiteConfig{BaseURL: "https://example.com", ContentPath: "content"},
		HTTP:    HTTPConfig{TimeoutSeconds: 10},
		Storage: StorageConfig{Backend: "memory"},
		Vouch:   VouchConfig{AllowListPath: "vouch_domains.txt"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "relative base url",
			cfg: func() Config {
				c := base
				c.Site.BaseURL = "/bearlog"
				return c
			}(),
			want: "site.base_url",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.TimeoutSeconds = 0
				return c
			}(),
			want: "http.timeout_seconds",
		},
		{
			name: "async without workers",
			cfg: func() Config {
				c := base
				c.Webmention.Async = true
				return c
			}(),
			want: "webmention.workers",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.bucket",
		},
		{
			name: "unknown backend",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "s3"
				return c
			}(),
			want: "storage.backend",
		},
		{
			name: "redis without address",
			cfg: func() Config {
				c := base
				c.Redis.Enabled = true
				return c
			}(),
			want: "redis.address",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
