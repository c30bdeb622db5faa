// Package config loads engine configuration from TOML files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Engine    EngineConfig
	Linking   LinkingConfig
	Queue     QueueConfig
	Ledger    LedgerConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name string `validate:"required"`
	Env  string `validate:"oneof=development staging production"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
	Output string `validate:"required"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string `validate:"required"`
	Port            int    `validate:"gt=0,lte=65535"`
	User            string `validate:"required"`
	Password        string
	DBName          string `validate:"required"`
	SSLMode         string `validate:"oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int    `validate:"gt=0"`
	MaxIdleConns    int    `validate:"gte=0,ltefield=MaxOpenConns"`
	ConnMaxLifetime int    // in minutes
	ConnMaxIdleTime int    // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// EngineConfig holds the state machine guard policy
type EngineConfig struct {
	VoidWindow           time.Duration `validate:"gt=0"`
	MaxRetries           int           `validate:"gt=0"`
	OverpaymentThreshold float64       `validate:"gte=100"`
}

// LinkingConfig holds the auto-link policy settings
type LinkingConfig struct {
	AutoLinkThreshold     float64 `validate:"gte=0,lte=1"`
	ManualReviewThreshold float64 `validate:"gte=0,lte=1,ltefield=AutoLinkThreshold"`
}

// QueueConfig holds retry queue settings
type QueueConfig struct {
	Enabled           bool
	TickInterval      time.Duration `validate:"gt=0"`
	BatchSize         int           `validate:"gt=0"`
	MaxConcurrentJobs int           `validate:"gt=0"`
	JobTimeout        time.Duration `validate:"gt=0"`
	MaxAttempts       int           `validate:"gt=0"`
	BaseDelay         time.Duration `validate:"gt=0"`
	BackoffMultiplier float64       `validate:"gt=1"`
	Retention         time.Duration `validate:"gt=0"`
}

// LedgerConfig names the account pair completed payments move value between
type LedgerConfig struct {
	DebitAccount  string `validate:"required"`
	CreditAccount string `validate:"required"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64 `validate:"gte=0,lte=1"`
	ServiceName       string
	Insecure          bool
}

// Load loads configuration from a TOML file and environment variables.
// Priority (highest to lowest):
// 1. Environment variables with RECON_ prefix (e.g., RECON_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// no config file is fine, defaults and env vars apply
	}

	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Engine: EngineConfig{
			VoidWindow:           v.GetDuration("engine.void_window"),
			MaxRetries:           v.GetInt("engine.max_retries"),
			OverpaymentThreshold: v.GetFloat64("engine.overpayment_threshold"),
		},
		Linking: LinkingConfig{
			AutoLinkThreshold:     v.GetFloat64("linking.auto_link_threshold"),
			ManualReviewThreshold: v.GetFloat64("linking.manual_review_threshold"),
		},
		Queue: QueueConfig{
			Enabled:           v.GetBool("queue.enabled"),
			TickInterval:      v.GetDuration("queue.tick_interval"),
			BatchSize:         v.GetInt("queue.batch_size"),
			MaxConcurrentJobs: v.GetInt("queue.max_concurrent_jobs"),
			JobTimeout:        v.GetDuration("queue.job_timeout"),
			MaxAttempts:       v.GetInt("queue.max_attempts"),
			BaseDelay:         v.GetDuration("queue.base_delay"),
			BackoffMultiplier: v.GetFloat64("queue.backoff_multiplier"),
			Retention:         v.GetDuration("queue.retention"),
		},
		Ledger: LedgerConfig{
			DebitAccount:  v.GetString("ledger.debit_account"),
			CreditAccount: v.GetString("ledger.credit_account"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "recon-engine"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "recon"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 10
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Engine.VoidWindow == 0 {
		cfg.Engine.VoidWindow = 7 * 24 * time.Hour
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = 3
	}
	if cfg.Engine.OverpaymentThreshold == 0 {
		cfg.Engine.OverpaymentThreshold = 110
	}
	if cfg.Linking.AutoLinkThreshold == 0 {
		cfg.Linking.AutoLinkThreshold = 0.70
	}
	if cfg.Linking.ManualReviewThreshold == 0 {
		cfg.Linking.ManualReviewThreshold = 0.40
	}
	if cfg.Queue.TickInterval == 0 {
		cfg.Queue.TickInterval = 30 * time.Second
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 10
	}
	if cfg.Queue.MaxConcurrentJobs == 0 {
		cfg.Queue.MaxConcurrentJobs = 3
	}
	if cfg.Queue.JobTimeout == 0 {
		cfg.Queue.JobTimeout = 5 * time.Minute
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BaseDelay == 0 {
		cfg.Queue.BaseDelay = 5 * time.Second
	}
	if cfg.Queue.BackoffMultiplier == 0 {
		cfg.Queue.BackoffMultiplier = 2
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = 7 * 24 * time.Hour
	}
	if cfg.Ledger.DebitAccount == "" {
		cfg.Ledger.DebitAccount = "1010"
	}
	if cfg.Ledger.CreditAccount == "" {
		cfg.Ledger.CreditAccount = "1200"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
}

// validate checks field constraints plus environment-specific rules
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config: field %s failed rule %q", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
