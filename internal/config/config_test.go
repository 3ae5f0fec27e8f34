package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.CrawlerSettings(); got != crawler.DefaultConfig() {
		t.Fatalf("expected default crawler settings, got %+v", got)
	}
	if cfg.Output.Dir != "crawl" || cfg.DB.Table != "crawl_jobs" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.HTTPTimeout(); got != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  threads: 6
  group_parallelism: 2
  group_buffer_size: 10
  throttle: 1.5s
queue:
  path: /tmp/queue
  resume: true
http:
  timeout_seconds: 45
  user_agent: real-agent
  respect_robots: true
output:
  dir: out
logging:
  development: false
metrics:
  addr: ":9100"
db:
  dsn: postgres://localhost/crawl
retry:
  max_attempts: 3
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := crawler.Config{Threads: 6, GroupParallelism: 2, GroupBufferSize: 10, Throttle: 1500 * time.Millisecond}
	if got := cfg.CrawlerSettings(); got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if !cfg.Queue.Resume || cfg.Queue.Path != "/tmp/queue" {
		t.Fatalf("expected queue overrides to apply: %+v", cfg.Queue)
	}
	if cfg.HTTP.UserAgent != "real-agent" || !cfg.HTTP.RespectRobots {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.Logging.Development || cfg.Metrics.Addr != ":9100" || cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected ambient overrides to apply: %+v", cfg)
	}
	if got := cfg.HTTPTimeout(); got != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %v", got)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SPIDERCRAWL_CRAWLER_THREADS", "9")
	t.Setenv("SPIDERCRAWL_OUTPUT_DIR", "from-env")

	flags := pflag.NewFlagSet("crawl", pflag.ContinueOnError)
	flags.Int("threads", 0, "")
	flags.Duration("throttle", 0, "")
	if err := flags.Parse([]string{"--throttle", "2s"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Threads != 9 {
		t.Fatalf("expected env threads 9, got %d", cfg.Crawler.Threads)
	}
	if cfg.Crawler.Throttle != 2*time.Second {
		t.Fatalf("expected flag throttle 2s, got %v", cfg.Crawler.Throttle)
	}
	if cfg.Output.Dir != "from-env" {
		t.Fatalf("expected env output dir, got %q", cfg.Output.Dir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if !errors.Is(err, crawler.ErrInvalidConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid threads", func(c *Config) { c.Crawler.Threads = 0 }, "threads"},
		{"negative throttle", func(c *Config) { c.Crawler.Throttle = -time.Second }, "throttle"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"invalid redirects", func(c *Config) { c.HTTP.MaxRedirects = 0 }, "http.max_redirects"},
		{"missing output", func(c *Config) { c.Output.Dir = "" }, "output.dir"},
		{"resume without path", func(c *Config) { c.Queue.Resume = true }, "queue.resume"},
		{"negative retries", func(c *Config) { c.Retry.MaxAttempts = -1 }, "retry.max_attempts"},
		{"db without pool", func(c *Config) { c.DB.DSN = "postgres://x"; c.DB.MaxOpenConns = 0 }, "db.max_open_conns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, crawler.ErrInvalidConfig) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected config error containing %q, got %v", tt.want, err)
			}
		})
	}
}
