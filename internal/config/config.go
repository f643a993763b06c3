// Package config loads process-wide configuration from environment
// variables and an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DBConfig holds the optional Postgres connection settings used for PR
// state persistence.
type DBConfig struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Config holds the application's configuration values.
type Config struct {
	ServerPort string
	LogLevel   slog.Level
	LogFormat  string

	GitHubAppID          int64
	GitHubWebhookSecret  string
	GitHubPrivateKeyPath string
	// GitHubToken switches authentication to a personal access token when
	// no app is configured.
	GitHubToken string

	CatalogPath string

	// Workers × WorkerConcurrency is the hard concurrency ceiling of the
	// worker pool; QueueSize bounds the execution queue in front of it.
	Workers           int
	WorkerConcurrency int
	QueueSize         int
	EventBuffer       int

	// Retention is how long closed PR state lingers to absorb late
	// duplicate deliveries.
	Retention time.Duration

	ReporterAttempts       int
	ReporterBackoffInitial time.Duration
	ReporterBackoffMax     time.Duration

	Persistence bool
	Database    DBConfig
}

// LoadConfig reads configuration from environment variables and a .env
// file, sets sensible defaults, and validates required fields.
func LoadConfig() (*Config, error) {
	viper.SetConfigFile(".env")

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("GITHUB_PRIVATE_KEY_PATH", "keys/hookci-app.private-key.pem")
	viper.SetDefault("JOB_CATALOG_PATH", "jobs.yaml")
	viper.SetDefault("WORKERS", 4)
	viper.SetDefault("WORKER_CONCURRENCY", 2)
	viper.SetDefault("QUEUE_SIZE", 100)
	viper.SetDefault("EVENT_BUFFER", 256)
	viper.SetDefault("STATE_RETENTION", "15m")
	viper.SetDefault("REPORTER_ATTEMPTS", 4)
	viper.SetDefault("REPORTER_BACKOFF_INITIAL", "2s")
	viper.SetDefault("REPORTER_BACKOFF_MAX", "30s")
	viper.SetDefault("STATE_PERSISTENCE", false)
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", 5432)
	viper.SetDefault("DB_NAME", "hookci")
	viper.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	viper.SetDefault("DB_CONN_MAX_IDLE_TIME", "5m")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", "error", err)
		}
	}

	if viper.GetString("GITHUB_WEBHOOK_SECRET") == "" {
		return nil, fmt.Errorf("GITHUB_WEBHOOK_SECRET must be set")
	}
	if viper.GetInt64("GITHUB_APP_ID") == 0 && viper.GetString("GITHUB_TOKEN") == "" {
		return nil, fmt.Errorf("either GITHUB_APP_ID or GITHUB_TOKEN must be set")
	}

	var logLevel slog.Level
	switch strings.ToLower(viper.GetString("LOG_LEVEL")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	case "info":
		logLevel = slog.LevelInfo
	default:
		slog.Warn("unrecognized log level, defaulting to info", "provided", viper.GetString("LOG_LEVEL"))
		logLevel = slog.LevelInfo
	}

	return &Config{
		ServerPort:             viper.GetString("SERVER_PORT"),
		LogLevel:               logLevel,
		LogFormat:              viper.GetString("LOG_FORMAT"),
		GitHubAppID:            viper.GetInt64("GITHUB_APP_ID"),
		GitHubWebhookSecret:    viper.GetString("GITHUB_WEBHOOK_SECRET"),
		GitHubPrivateKeyPath:   viper.GetString("GITHUB_PRIVATE_KEY_PATH"),
		GitHubToken:            viper.GetString("GITHUB_TOKEN"),
		CatalogPath:            viper.GetString("JOB_CATALOG_PATH"),
		Workers:                viper.GetInt("WORKERS"),
		WorkerConcurrency:      viper.GetInt("WORKER_CONCURRENCY"),
		QueueSize:              viper.GetInt("QUEUE_SIZE"),
		EventBuffer:            viper.GetInt("EVENT_BUFFER"),
		Retention:              viper.GetDuration("STATE_RETENTION"),
		ReporterAttempts:       viper.GetInt("REPORTER_ATTEMPTS"),
		ReporterBackoffInitial: viper.GetDuration("REPORTER_BACKOFF_INITIAL"),
		ReporterBackoffMax:     viper.GetDuration("REPORTER_BACKOFF_MAX"),
		Persistence:            viper.GetBool("STATE_PERSISTENCE"),
		Database: DBConfig{
			Host:            viper.GetString("DB_HOST"),
			Port:            viper.GetInt("DB_PORT"),
			Username:        viper.GetString("DB_USER"),
			Password:        viper.GetString("DB_PASSWORD"),
			Database:        viper.GetString("DB_NAME"),
			ConnMaxLifetime: viper.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime: viper.GetDuration("DB_CONN_MAX_IDLE_TIME"),
		},
	}, nil
}
