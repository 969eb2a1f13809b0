// Package config loads sitegate configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// JSONLogFormat indicates JSON log format.
	JSONLogFormat = "json"
	// TextLogFormat indicates text log format.
	TextLogFormat = "text"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Format     string        `mapstructure:"format"`
	Level      zerolog.Level `mapstructure:"level"`
	WithCaller bool          `mapstructure:"with_caller"`
}

// DatabaseConfig holds SQLite configuration.
type DatabaseConfig struct {
	Path              string `mapstructure:"path"`
	WriteAheadLog     bool   `mapstructure:"write_ahead_log"`
	WALAutoCheckPoint int    `mapstructure:"wal_auto_check_point"`
}

// RedisConfig holds Redis configuration for background tasks.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds background worker configuration.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// SessionConfig holds cookie session configuration for browser callers.
type SessionConfig struct {
	AuthenticationKey string        `mapstructure:"authentication_key"`
	EncryptionKey     string        `mapstructure:"encryption_key"`
	CookieName        string        `mapstructure:"cookie_name"`
	CookieExpiry      time.Duration `mapstructure:"cookie_expiry"`
}

// BrokerConfig tunes the impersonation broker.
type BrokerConfig struct {
	// SweepInterval is the tick for the request/session expiry sweeps.
	// Deadlines are absolute and persisted; the sweep only enforces them.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SendQueueSize is the per-connection outbound buffer. A slow peer that
	// overflows it is disconnected rather than allowed to stall the hub.
	SendQueueSize int `mapstructure:"send_queue_size"`
}

// Config is the full sitegate configuration.
type Config struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	AdvertiseURL string `mapstructure:"advertise_url"`

	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Session  SessionConfig  `mapstructure:"session"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Logging  LogConfig      `mapstructure:"logging"`
}

// Load reads configuration from file and environment variables.
// If configPath is empty, default search paths are used.
// If isFile is true, configPath is treated as a direct file path.
func Load(configPath string, isFile bool) error {
	log.Debug().Msg("Loading configuration")

	if isFile {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		if configPath == "" {
			viper.AddConfigPath("/etc/sitegate/")
			viper.AddConfigPath("$HOME/.sitegate")
			viper.AddConfigPath(".")
		} else {
			viper.AddConfigPath(configPath)
		}
	}

	viper.SetEnvPrefix("SITEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen_addr", ":8787")
	viper.SetDefault("database.path", "sitegate.db")
	viper.SetDefault("database.write_ahead_log", true)
	viper.SetDefault("database.wal_auto_check_point", 1000)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("session.cookie_name", "sitegate_session")
	viper.SetDefault("session.cookie_expiry", 24*time.Hour)
	viper.SetDefault("broker.sweep_interval", 15*time.Second)
	viper.SetDefault("broker.send_queue_size", 32)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", TextLogFormat)
	viper.SetDefault("logging.with_caller", false)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if isFile || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config file: %w", err)
		}
		// Environment variables alone are a valid configuration.
		log.Debug().Msg("No config file found, using defaults and environment")
	}

	log.Debug().
		Str("config_file", viper.ConfigFileUsed()).
		Msg("Configuration loaded")

	return nil
}

// GetLogConfig returns the logging configuration from Viper.
func GetLogConfig() LogConfig {
	logLevelStr := viper.GetString("logging.level")
	logLevel, err := zerolog.ParseLevel(logLevelStr)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	logFormatOpt := viper.GetString("logging.format")
	var logFormat string
	switch logFormatOpt {
	case JSONLogFormat:
		logFormat = JSONLogFormat
	case TextLogFormat, "":
		logFormat = TextLogFormat
	default:
		log.Warn().
			Str("format", logFormatOpt).
			Msg("Invalid log format, using text")
		logFormat = TextLogFormat
	}

	return LogConfig{
		Format:     logFormat,
		Level:      logLevel,
		WithCaller: viper.GetBool("logging.with_caller"),
	}
}

// Get returns the configuration from Viper. Call after Load().
func Get() (*Config, error) {
	logConfig := GetLogConfig()
	zerolog.SetGlobalLevel(logConfig.Level)

	cfg := &Config{
		ListenAddr:   viper.GetString("listen_addr"),
		AdvertiseURL: viper.GetString("advertise_url"),
		Logging:      logConfig,
		Database: DatabaseConfig{
			Path:              viper.GetString("database.path"),
			WriteAheadLog:     viper.GetBool("database.write_ahead_log"),
			WALAutoCheckPoint: viper.GetInt("database.wal_auto_check_point"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Worker: WorkerConfig{
			Concurrency: viper.GetInt("worker.concurrency"),
		},
		Session: SessionConfig{
			CookieName:        viper.GetString("session.cookie_name"),
			CookieExpiry:      viper.GetDuration("session.cookie_expiry"),
			AuthenticationKey: viper.GetString("session.authentication_key"),
			EncryptionKey:     viper.GetString("session.encryption_key"),
		},
		Broker: BrokerConfig{
			SweepInterval: viper.GetDuration("broker.sweep_interval"),
			SendQueueSize: viper.GetInt("broker.send_queue_size"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that Viper defaults cannot express.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	// Expiry must land within half a minute of the deadline even when
	// nobody is connected, so the tick is capped.
	if c.Broker.SweepInterval <= 0 || c.Broker.SweepInterval > 30*time.Second {
		return fmt.Errorf("broker.sweep_interval must be in (0, 30s], got %s", c.Broker.SweepInterval)
	}
	if c.Broker.SendQueueSize <= 0 {
		return fmt.Errorf("broker.send_queue_size must be > 0, got %d", c.Broker.SendQueueSize)
	}
	return nil
}

// ValidateSessionKeys validates that cookie session keys are the correct length.
func ValidateSessionKeys() error {
	authKey := viper.GetString("session.authentication_key")
	encKey := viper.GetString("session.encryption_key")

	if len(authKey) != 32 {
		return fmt.Errorf("session.authentication_key must be 32 bytes, got %d", len(authKey))
	}
	if len(encKey) != 32 {
		return fmt.Errorf("session.encryption_key must be 32 bytes, got %d", len(encKey))
	}
	return nil
}
