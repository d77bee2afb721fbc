// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Slade66/resumable-fetcher/internal/client"
	"github.com/Slade66/resumable-fetcher/internal/downloader"
	"github.com/Slade66/resumable-fetcher/internal/fetcher"
	"github.com/Slade66/resumable-fetcher/internal/logger"
	"github.com/Slade66/resumable-fetcher/internal/planner"
	"github.com/Slade66/resumable-fetcher/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. FETCHER_REDIS_ADDR.
const EnvPrefix = "FETCHER"

// Config holds all application configuration.
type Config struct {
	Download DownloadConfig `mapstructure:"download"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	OBS      OBSConfig      `mapstructure:"obs"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DownloadConfig tunes the engine.
type DownloadConfig struct {
	Blocks                int           `mapstructure:"blocks"`
	MinBlockSize          int64         `mapstructure:"min_block_size"`
	MaxRetries            int           `mapstructure:"max_retries"`
	RetryBackoff          time.Duration `mapstructure:"retry_backoff"`
	RetryMaxBackoff       time.Duration `mapstructure:"retry_max_backoff"`
	SaveInterval          time.Duration `mapstructure:"save_interval"`
	StallTimeout          time.Duration `mapstructure:"stall_timeout"`
	BufferSize            int           `mapstructure:"buffer_size"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	UserAgent             string        `mapstructure:"user_agent"`
	OutputDir             string        `mapstructure:"output_dir"`
}

// StoreConfig selects where breakpoints are kept.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "redis" or "blob".
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	// BlobURL is a gocloud bucket URL such as file:///var/lib/fetcher or mem://.
	BlobURL   string `mapstructure:"blob_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisConfig holds the Redis connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// WorkerConfig configures the queue consumer.
type WorkerConfig struct {
	Stream        string        `mapstructure:"stream"`
	Group         string        `mapstructure:"group"`
	MaxBlocks     int           `mapstructure:"max_blocks"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	PurgeAge      time.Duration `mapstructure:"purge_age"`
}

// OBSConfig enables the upload after a completed download when every field
// is set.
type OBSConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	AK       string `mapstructure:"ak"`
	SK       string `mapstructure:"sk"`
	Bucket   string `mapstructure:"bucket"`
}

// Enabled reports whether OBS upload is configured.
func (c OBSConfig) Enabled() bool {
	return c.Endpoint != "" && c.AK != "" && c.SK != "" && c.Bucket != ""
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.fetcher")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := scheduler.DefaultOptions()
	cl := client.DefaultOptions()

	v.SetDefault("download.blocks", planner.DefaultMaxBlocks)
	v.SetDefault("download.min_block_size", 0)
	v.SetDefault("download.max_retries", def.MaxRetries)
	v.SetDefault("download.retry_backoff", def.RetryBackoff)
	v.SetDefault("download.retry_max_backoff", def.RetryMaxBackoff)
	v.SetDefault("download.save_interval", def.SaveInterval)
	v.SetDefault("download.stall_timeout", def.Fetch.StallTimeout)
	v.SetDefault("download.buffer_size", def.Fetch.BufferSize)
	v.SetDefault("download.connect_timeout", cl.ConnectTimeout)
	v.SetDefault("download.response_header_timeout", cl.ResponseHeaderTimeout)
	v.SetDefault("download.user_agent", cl.UserAgent)
	v.SetDefault("download.output_dir", "./downloads")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/breakpoints.db")
	v.SetDefault("store.blob_url", "")
	v.SetDefault("store.key_prefix", "breakpoint:")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("worker.stream", "download_tasks")
	v.SetDefault("worker.group", "download-group")
	v.SetDefault("worker.max_blocks", 50)
	v.SetDefault("worker.purge_interval", time.Hour)
	v.SetDefault("worker.purge_age", 7*24*time.Hour)

	v.SetDefault("obs.endpoint", "")
	v.SetDefault("obs.ak", "")
	v.SetDefault("obs.sk", "")
	v.SetDefault("obs.bucket", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Download.Blocks < 0 {
		return errors.New("config: download.blocks must not be negative")
	}
	if c.Download.MaxRetries < 0 {
		return errors.New("config: download.max_retries must not be negative")
	}
	switch c.Store.Backend {
	case "memory", "redis":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("config: store.sqlite_path is required for the sqlite backend")
		}
	case "blob":
		if c.Store.BlobURL == "" {
			return errors.New("config: store.blob_url is required for the blob backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	return nil
}

// EngineOptions converts the download settings into engine options.
func (c DownloadConfig) EngineOptions() downloader.Options {
	return downloader.Options{
		Planner: planner.Options{
			MaxBlocks:    c.Blocks,
			MinBlockSize: c.MinBlockSize,
		},
		Scheduler: scheduler.Options{
			MaxRetries:      c.MaxRetries,
			RetryBackoff:    c.RetryBackoff,
			RetryMaxBackoff: c.RetryMaxBackoff,
			SaveInterval:    c.SaveInterval,
			Fetch: fetcher.Options{
				BufferSize:   c.BufferSize,
				StallTimeout: c.StallTimeout,
			},
		},
	}
}

// ClientOptions converts the download settings into HTTP client options.
func (c DownloadConfig) ClientOptions() client.Options {
	opts := client.DefaultOptions()
	opts.ConnectTimeout = c.ConnectTimeout
	opts.ResponseHeaderTimeout = c.ResponseHeaderTimeout
	if c.UserAgent != "" {
		opts.UserAgent = c.UserAgent
	}
	return opts
}

// LoggerConfig converts the logging settings for the logger package.
func (c LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Path:       c.Path,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
