// Package config loads server configuration from a YAML file overlaid with
// PARTNERLOCK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PARTNERLOCK"

// Config is the server configuration.
type Config struct {
	ListenAddr    string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	TLSCertFile   string `yaml:"tls_cert" envconfig:"TLS_CERT"`
	TLSKeyFile    string `yaml:"tls_key" envconfig:"TLS_KEY"`
	Storage       string `yaml:"storage" envconfig:"STORAGE"`
	DBUrl         string `yaml:"db_url" envconfig:"DB_URL"`
	MigrationsDir string `yaml:"migrations_dir" envconfig:"MIGRATIONS_DIR"`
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	Scheduler     string `yaml:"scheduler" envconfig:"SCHEDULER"`
	LogLevel      string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat     string `yaml:"log_format" envconfig:"LOG_FORMAT"`

	AnswerWindow           time.Duration `yaml:"answer_window" envconfig:"ANSWER_WINDOW"`
	DefaultDurationMinutes int           `yaml:"default_duration_minutes" envconfig:"DEFAULT_DURATION_MINUTES"`
	MaxDurationMinutes     int           `yaml:"max_duration_minutes" envconfig:"MAX_DURATION_MINUTES"`
	SweepInterval          time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	HistoryLimit           int           `yaml:"history_limit" envconfig:"HISTORY_LIMIT"`
	NotifyOnExpiry         bool          `yaml:"notify_on_expiry" envconfig:"NOTIFY_ON_EXPIRY"`

	NotifyMaxAttempts  int           `yaml:"notify_max_attempts" envconfig:"NOTIFY_MAX_ATTEMPTS"`
	NotifyRetryDelay   time.Duration `yaml:"notify_retry_delay" envconfig:"NOTIFY_RETRY_DELAY"`
	WebhookTimeout     time.Duration `yaml:"webhook_timeout" envconfig:"WEBHOOK_TIMEOUT"`
	WebhookSecret      string        `yaml:"webhook_secret" envconfig:"WEBHOOK_SECRET"`
	RedisChannelPrefix string        `yaml:"redis_channel_prefix" envconfig:"REDIS_CHANNEL_PREFIX"`

	BootstrapToken string `yaml:"bootstrap_token" envconfig:"BOOTSTRAP_TOKEN"`
	RateLimitRPS   int    `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		ListenAddr:             ":8300",
		Storage:                "postgres",
		Scheduler:              "timer",
		LogLevel:               "info",
		LogFormat:              "pretty",
		AnswerWindow:           5 * time.Minute,
		DefaultDurationMinutes: 5,
		MaxDurationMinutes:     15,
		SweepInterval:          30 * time.Second,
		HistoryLimit:           50,
		NotifyMaxAttempts:      3,
		NotifyRetryDelay:       2 * time.Second,
		WebhookTimeout:         10 * time.Second,
		RedisChannelPrefix:     "partnerlock:notify:",
		RateLimitRPS:           100,
	}
}

// Load reads the file named by PARTNERLOCK_CONFIG (default config.yaml),
// applies environment overrides and validates the result. A missing file
// is not an error.
func Load() (Config, error) {
	file := "config.yaml"
	if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
		file = v
	}
	return LoadFile(file)
}

// LoadFile is Load with an explicit file name.
func LoadFile(file string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(file)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", file, err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("file", file).Msg("config file not found, using defaults")
	default:
		return cfg, fmt.Errorf("reading %s: %w", file, err)
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("reading environment: %w", err)
	}
	if cfg.DBUrl == "" {
		cfg.DBUrl = os.Getenv("DATABASE_URL")
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage {
	case "postgres":
		if c.DBUrl == "" {
			errs = append(errs, errors.New("db_url must be configured (or DATABASE_URL env var)"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage must be postgres or memory, got %q", c.Storage))
	}
	switch c.Scheduler {
	case "timer":
	case "asynq":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("scheduler asynq requires redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("scheduler must be timer or asynq, got %q", c.Scheduler))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if c.AnswerWindow <= 0 {
		errs = append(errs, errors.New("answer_window must be positive"))
	}
	if c.MaxDurationMinutes < 1 {
		errs = append(errs, errors.New("max_duration_minutes must be at least 1"))
	}
	if c.DefaultDurationMinutes < 1 || c.DefaultDurationMinutes > c.MaxDurationMinutes {
		errs = append(errs, errors.New("default_duration_minutes must be between 1 and max_duration_minutes"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.NotifyMaxAttempts < 1 {
		errs = append(errs, errors.New("notify_max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// SetupLogging configures the global zerolog logger from the config.
func (c Config) SetupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if c.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
