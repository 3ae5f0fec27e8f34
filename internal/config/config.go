// Package config loads and validates crawl configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

// EnvPrefix is prepended to every environment override, for example
// SPIDERCRAWL_CRAWLER_THREADS.
const EnvPrefix = "SPIDERCRAWL"

// Config captures all crawl configuration knobs loaded via Viper.
type Config struct {
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Queue   QueueConfig   `mapstructure:"queue"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Output  OutputConfig  `mapstructure:"output"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	DB      DBConfig      `mapstructure:"db"`
	Retry   RetryConfig   `mapstructure:"retry"`
}

// CrawlerConfig governs the dispatcher.
type CrawlerConfig struct {
	Threads          int           `mapstructure:"threads"`
	GroupParallelism int           `mapstructure:"group_parallelism"`
	GroupBufferSize  int           `mapstructure:"group_buffer_size"`
	Throttle         time.Duration `mapstructure:"throttle"`
}

// QueueConfig selects the queue backend. An empty path keeps the queue in
// memory.
type QueueConfig struct {
	Path   string `mapstructure:"path"`
	Resume bool   `mapstructure:"resume"`
}

// HTTPConfig configures the fetcher and redirect resolver.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	MaxRedirects   int    `mapstructure:"max_redirects"`
}

// OutputConfig sets where reports are written.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig enables the status server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DBConfig enables the Postgres job log when DSN is set.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RetryConfig bounds resubmission of jobs that failed to fetch. Zero
// disables retries.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"threads":           "crawler.threads",
	"group-parallelism": "crawler.group_parallelism",
	"group-buffer-size": "crawler.group_buffer_size",
	"throttle":          "crawler.throttle",
	"queue":             "queue.path",
	"resume":            "queue.resume",
	"timeout":           "http.timeout_seconds",
	"user-agent":        "http.user_agent",
	"respect-robots":    "http.respect_robots",
	"output":            "output.dir",
	"dev":               "logging.development",
	"log-level":         "logging.level",
	"metrics-addr":      "metrics.addr",
	"db-dsn":            "db.dsn",
	"retries":           "retry.max_attempts",
}

// Load builds a Config from defaults, an optional file, the environment and
// flags, in increasing order of precedence. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range FlagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read config: %w", crawler.ErrInvalidConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %w", crawler.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.threads", crawler.DefaultThreads)
	v.SetDefault("crawler.group_parallelism", crawler.DefaultGroupParallelism)
	v.SetDefault("crawler.group_buffer_size", crawler.DefaultGroupBufferSize)
	v.SetDefault("crawler.throttle", crawler.DefaultThrottle)
	v.SetDefault("queue.path", "")
	v.SetDefault("queue.resume", false)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "spidercrawl/0.1")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.max_redirects", 5)
	v.SetDefault("output.dir", "crawl")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_jobs")
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("retry.max_attempts", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := c.CrawlerSettings().Validate(); err != nil {
		return err
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: http.timeout_seconds must be > 0", crawler.ErrInvalidConfig)
	}
	if c.HTTP.MaxRedirects <= 0 {
		return fmt.Errorf("%w: http.max_redirects must be > 0", crawler.ErrInvalidConfig)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("%w: output.dir must be set", crawler.ErrInvalidConfig)
	}
	if c.Queue.Resume && c.Queue.Path == "" {
		return fmt.Errorf("%w: queue.resume requires queue.path", crawler.ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must be >= 0", crawler.ErrInvalidConfig)
	}
	if c.DB.DSN != "" && c.DB.MaxOpenConns <= 0 {
		return fmt.Errorf("%w: db.max_open_conns must be > 0 when db.dsn is set", crawler.ErrInvalidConfig)
	}
	return nil
}

// CrawlerSettings converts the crawler section into engine configuration.
func (c Config) CrawlerSettings() crawler.Config {
	return crawler.Config{
		Threads:          c.Crawler.Threads,
		GroupParallelism: c.Crawler.GroupParallelism,
		GroupBufferSize:  c.Crawler.GroupBufferSize,
		Throttle:         c.Crawler.Throttle,
	}
}

// HTTPTimeout returns the per-fetch timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
