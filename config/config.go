// Package config loads server configuration from an optional YAML file, an
// optional .env file and FINANCE_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LedgerConfig struct {
	MaxAccumulationSteps int `mapstructure:"max_accumulation_steps"`
	MaxDescriptionLength int `mapstructure:"max_description_length"`
	DefaultPageSize      int `mapstructure:"default_page_size"`
	MaxPageSize          int `mapstructure:"max_page_size"`
}

type RecurringConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	MaxCatchUp    int           `mapstructure:"max_catch_up"`
}

// Notification drivers.
const (
	DriverLog  = "log"
	DriverSQS  = "sqs"
	DriverNone = "none"
)

type NotifyConfig struct {
	Driver        string  `mapstructure:"driver"`
	QueueURL      string  `mapstructure:"queue_url"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Recurring RecurringConfig `mapstructure:"recurring"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("database.path", "finance.db")

	v.SetDefault("ledger.max_accumulation_steps", 16)
	v.SetDefault("ledger.max_description_length", 256)
	v.SetDefault("ledger.default_page_size", 50)
	v.SetDefault("ledger.max_page_size", 500)

	v.SetDefault("recurring.enabled", true)
	v.SetDefault("recurring.check_interval", time.Minute)
	v.SetDefault("recurring.max_catch_up", 1)

	v.SetDefault("notify.driver", DriverLog)
	v.SetDefault("notify.queue_url", "")
	v.SetDefault("notify.rate_per_second", 5.0)
	v.SetDefault("notify.burst", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. An empty path looks for an optional config.yaml
// in the working directory; an explicit path must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	// environment overrides, e.g. FINANCE_SERVER_PORT=9000
	v.SetEnvPrefix("FINANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	case c.Database.Path == "":
		return errors.New("config: database.path is required")
	case c.Ledger.DefaultPageSize <= 0 || c.Ledger.MaxPageSize < c.Ledger.DefaultPageSize:
		return fmt.Errorf("config: page sizes default=%d max=%d are inconsistent",
			c.Ledger.DefaultPageSize, c.Ledger.MaxPageSize)
	case c.Recurring.Enabled && c.Recurring.CheckInterval <= 0:
		return errors.New("config: recurring.check_interval must be positive")
	case c.Recurring.MaxCatchUp <= 0:
		return errors.New("config: recurring.max_catch_up must be positive")
	}

	switch c.Notify.Driver {
	case DriverLog, DriverNone:
	case DriverSQS:
		if c.Notify.QueueURL == "" {
			return errors.New("config: notify.queue_url is required for the sqs driver")
		}
	default:
		return fmt.Errorf("config: unknown notify.driver %q", c.Notify.Driver)
	}
	return nil
}

// Handler builds the slog handler described by l.
func (l LogConfig) Handler(w io.Writer) slog.Handler {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
