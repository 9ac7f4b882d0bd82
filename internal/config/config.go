package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// DefaultUserAgent is the default User-Agent string sent with all HTTP requests.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:147.0) Gecko/20100101 Firefox/147.0"

// DefaultDiskCacheSize is the disk cache budget used when none is configured (50 MiB).
const DefaultDiskCacheSize = 50 * 1024 * 1024

type Config struct {
	ProxyConnectionString string `mapstructure:"proxy_connection_string"`
	ClientTimeout         string `mapstructure:"client_timeout"` // Go duration string like "30s", "1h", etc.
	UserAgent             string `mapstructure:"user_agent"`
	Server                struct {
		Port    int    `mapstructure:"port"`
		Address string `mapstructure:"address"`
	} `mapstructure:"server"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	LogLevel    string `mapstructure:"log_level"`
	MemoryCache struct {
		Fraction int    `mapstructure:"fraction"` // budget = max memory / fraction
		MaxSize  string `mapstructure:"max_size"` // explicit override, e.g. "64MiB"
	} `mapstructure:"memory_cache"`
	DiskCache struct {
		Provider string `mapstructure:"provider"` // "disk", "redis" or "disabled"
		Dir      string `mapstructure:"dir"`
		MaxSize  string `mapstructure:"max_size"` // e.g. "50MiB"
		Redis    struct {
			Address  string `mapstructure:"address"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"disk_cache"`
	Workers struct {
		Core         int    `mapstructure:"core"`
		Max          int    `mapstructure:"max"`
		KeepAlive    string `mapstructure:"keep_alive"`
		ResultBuffer int    `mapstructure:"result_buffer"`
	} `mapstructure:"workers"`
	Decode struct {
		MaxSourcePixels int64 `mapstructure:"max_source_pixels"`
	} `mapstructure:"decode"`
	Engine struct {
		FallbackOnDiskError bool `mapstructure:"fallback_on_disk_error"`
	} `mapstructure:"engine"`
	Sentry struct {
		Dsn         string `mapstructure:"dsn"`
		Environment string `mapstructure:"environment"`
	} `mapstructure:"sentry"`
}

var (
	globalConfig *Config
	logger       zerolog.Logger
)

func init() {
	// Initialize zerolog with console writer for human-readable output
	logger = zerolog.New(zerolog.ConsoleWriter{
		Out:     os.Stdout,
		NoColor: false,
	}).With().Timestamp().Logger()

	config, err := LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}

	level := zerolog.InfoLevel
	if config.LogLevel != "" {
		if parsedLevel, err := zerolog.ParseLevel(config.LogLevel); err == nil {
			level = parsedLevel
		} else {
			logger.Warn().Str("invalid_level", config.LogLevel).Msg("Invalid log level, using default 'info'")
		}
	}

	zerolog.SetGlobalLevel(level)
	logger = logger.Level(level)
	logger.Debug().Str("level", level.String()).Msg("Logging configured")

	globalConfig = config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client_timeout", "30s")
	v.SetDefault("server.address", "localhost")
	v.SetDefault("server.port", 50051)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("memory_cache.fraction", 8)
	v.SetDefault("memory_cache.max_size", "")
	v.SetDefault("disk_cache.provider", "disk")
	v.SetDefault("disk_cache.dir", "")
	v.SetDefault("disk_cache.max_size", "50MiB")
	v.SetDefault("disk_cache.redis.address", "")
	v.SetDefault("disk_cache.redis.password", "")
	v.SetDefault("disk_cache.redis.db", 0)
	v.SetDefault("workers.core", 0)
	v.SetDefault("workers.max", 0)
	v.SetDefault("workers.keep_alive", "10s")
	v.SetDefault("workers.result_buffer", 64)
	v.SetDefault("decode.max_source_pixels", 100_000_000)
	v.SetDefault("engine.fallback_on_disk_error", true)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
}

func LoadConfig() (*Config, error) {
	v := viper.GetViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variable support
	v.AutomaticEnv()
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Add specific environment variable for log level
	_ = v.BindEnv("log_level", "LOG_LEVEL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}

	return &config, nil
}

// DiskCacheMaxBytes returns the configured disk cache budget in bytes.
func (c *Config) DiskCacheMaxBytes() (int64, error) {
	if c.DiskCache.MaxSize == "" {
		return DefaultDiskCacheSize, nil
	}
	n, err := humanize.ParseBytes(c.DiskCache.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid disk_cache.max_size %q: %w", c.DiskCache.MaxSize, err)
	}
	return int64(n), nil
}

// MemoryCacheMaxBytes returns the explicit memory cache budget, or 0 when the
// budget should be derived from available memory.
func (c *Config) MemoryCacheMaxBytes() (int64, error) {
	if c.MemoryCache.MaxSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MemoryCache.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid memory_cache.max_size %q: %w", c.MemoryCache.MaxSize, err)
	}
	return int64(n), nil
}

// ParseDuration parses a Go duration string, falling back to def when the
// value is empty or invalid. Invalid values are logged.
func ParseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn().Err(err).Str("duration", value).Dur("default", def).Msg("Invalid duration, using default")
		return def
	}
	return d
}

func GetConfig() *Config {
	return globalConfig
}

func GetUserAgent() string {
	if globalConfig != nil && globalConfig.UserAgent != "" {
		return globalConfig.UserAgent
	}
	return DefaultUserAgent
}

func GetLogger() zerolog.Logger {
	return logger
}
