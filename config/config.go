// Package config loads the runtime configuration from YAML files, .env
// files and environment variables.
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override
// earlier ones):
//  1. Default values
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.strata/config.yaml, /etc/strata/config.yaml)
//  3. .env files
//  4. Environment variables prefixed STRATA_
//
// # Environment Variables
//
// Nested keys use underscores:
//   - STRATA_SERVER_PORT=8095
//   - STRATA_DB_URL=postgres://localhost:5432/strata
//   - STRATA_STORAGE_DRIVER=s3
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/stratacms/strata/server"
	"github.com/stratacms/strata/storage"
)

// DBConfig contains the Postgres connection settings.
type DBConfig struct {
	// URL is a postgres:// connection string.
	URL string `mapstructure:"url" validate:"required"`
}

// StorageConfig selects and configures the file storage driver.
type StorageConfig struct {
	// Driver is "fs" or "s3".
	Driver string `mapstructure:"driver" validate:"oneof=fs s3"`

	// Root is the base directory of the fs driver.
	Root string `mapstructure:"root"`

	// S3 configures the s3 driver.
	S3 storage.S3Config `mapstructure:"s3"`

	// SignedFilesOnly requires a valid token on every file read.
	SignedFilesOnly bool `mapstructure:"signed_files_only"`
}

// EmailConfig selects and configures the mail driver.
type EmailConfig struct {
	// Driver is "log" or "http".
	Driver   string `mapstructure:"driver" validate:"oneof=log http"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// KVConfig selects and configures the key-value store.
type KVConfig struct {
	// Driver is "none", "redis" or "bolt".
	Driver string `mapstructure:"driver" validate:"oneof=none redis bolt"`

	// URL is the redis connection URL.
	URL string `mapstructure:"url"`

	// KeyPrefix namespaces redis keys.
	KeyPrefix string `mapstructure:"key_prefix"`

	// Path is the bolt database file.
	Path string `mapstructure:"path"`
}

// QueueConfig selects and configures the job queue adapter.
type QueueConfig struct {
	// Driver is "memory", "redis" or "amqp".
	Driver string `mapstructure:"driver" validate:"oneof=memory redis amqp"`

	// URL is the broker connection URL for the redis and amqp drivers.
	URL string `mapstructure:"url"`

	// Queue names the amqp queue; redis prefixes its keys with it instead.
	Queue string `mapstructure:"queue"`
}

// SearchConfig configures the search index.
type SearchConfig struct {
	// Disabled turns off indexing and the search endpoints entirely.
	Disabled bool `mapstructure:"disabled"`
}

// RealtimeConfig configures the live query transport.
type RealtimeConfig struct {
	// Disabled turns off the realtime endpoint.
	Disabled bool `mapstructure:"disabled"`

	// PingInterval is the SSE keep-alive comment interval.
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// MigrationsConfig configures the schema migration runner.
type MigrationsConfig struct {
	// Directory holds the generated migration files.
	Directory string `mapstructure:"directory"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level"`

	// Format is the log format (json, text).
	Format string `mapstructure:"format"`
}

// AppConfig contains deployment metadata.
type AppConfig struct {
	// URL is the public base URL, used in mails and preview links.
	URL string `mapstructure:"url"`

	// Environment is the deployment environment (development, production).
	Environment string `mapstructure:"environment"`
}

// Config is the full runtime configuration. Collections, globals, hooks
// and jobs are code, not configuration; everything environment-specific
// lives here.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     server.Config    `mapstructure:"server"`
	DB         DBConfig         `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Email      EmailConfig      `mapstructure:"email"`
	KV         KVConfig         `mapstructure:"kv"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Search     SearchConfig     `mapstructure:"search"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`
	Migrations MigrationsConfig `mapstructure:"migrations"`
	Logger     LoggerConfig     `mapstructure:"logger"`

	// Locales is the content locale set; the first entry is the default.
	Locales []string `mapstructure:"locales" validate:"min=1"`

	// Secret signs file URLs and preview tokens.
	Secret string `mapstructure:"secret" validate:"required"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a configuration loader with the defaults applied.
func NewLoader() *Loader {
	l := &Loader{v: viper.New()}
	l.setDefaults()
	return l
}

func (l *Loader) setDefaults() {
	// Every key needs a default, even an empty one: viper only considers
	// known keys during Unmarshal, so env-only values would otherwise be
	// dropped.
	l.v.SetDefault("app.url", "")
	l.v.SetDefault("app.environment", "development")

	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.base_path", "/cms")
	l.v.SetDefault("server.body_limit", "10M")
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.debug", false)
	l.v.SetDefault("server.rate_limit", 0)
	l.v.SetDefault("server.jwt_secret", "")

	l.v.SetDefault("db.url", "")

	l.v.SetDefault("storage.driver", "fs")
	l.v.SetDefault("storage.root", "./data/files")
	l.v.SetDefault("storage.signed_files_only", false)
	l.v.SetDefault("storage.s3.url", "")
	l.v.SetDefault("storage.s3.region", "us-east-1")
	l.v.SetDefault("storage.s3.access_key", "")
	l.v.SetDefault("storage.s3.secret_key", "")
	l.v.SetDefault("storage.s3.bucket", "")
	l.v.SetDefault("storage.s3.path_style", false)

	l.v.SetDefault("email.driver", "log")
	l.v.SetDefault("email.url", "")
	l.v.SetDefault("email.username", "")
	l.v.SetDefault("email.password", "")
	l.v.SetDefault("email.from", "")

	l.v.SetDefault("kv.driver", "none")
	l.v.SetDefault("kv.url", "")
	l.v.SetDefault("kv.key_prefix", "strata:kv:")
	l.v.SetDefault("kv.path", "")

	l.v.SetDefault("queue.driver", "memory")
	l.v.SetDefault("queue.url", "")
	l.v.SetDefault("queue.queue", "")

	l.v.SetDefault("search.disabled", false)
	l.v.SetDefault("realtime.disabled", false)
	l.v.SetDefault("realtime.ping_interval", "25s")

	l.v.SetDefault("migrations.directory", "./migrations")

	l.v.SetDefault("logger.level", "info")
	l.v.SetDefault("logger.format", "text")

	l.v.SetDefault("locales", []string{"en"})
	l.v.SetDefault("secret", "")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, config.yaml is searched in the standard locations;
// a missing file is not an error as long as the environment supplies the
// required values.
func (l *Loader) Load(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.strata")
		l.v.AddConfigPath("/etc/strata")
		if err := l.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present.
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	l.v.SetEnvPrefix("STRATA")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load is a convenience wrapper around NewLoader().Load.
func Load(cfgFile string) (*Config, error) {
	return NewLoader().Load(cfgFile)
}

// Validate checks the loaded configuration beyond struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.DB.URL == "" {
		return fmt.Errorf("db.url is required")
	}
	switch cfg.Storage.Driver {
	case "fs":
		if cfg.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the fs driver")
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 driver")
		}
	}
	if cfg.Email.Driver == "http" && cfg.Email.URL == "" {
		return fmt.Errorf("email.url is required for the http driver")
	}
	if cfg.KV.Driver == "redis" && cfg.KV.URL == "" {
		return fmt.Errorf("kv.url is required for the redis driver")
	}
	if cfg.Queue.Driver != "memory" && cfg.Queue.URL == "" {
		return fmt.Errorf("queue.url is required for the %s driver", cfg.Queue.Driver)
	}
	return nil
}

// JWTExpiration is the default session token lifetime.
const JWTExpiration = 24 * time.Hour
