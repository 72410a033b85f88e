// Package config loads process configuration from environment variables,
// following gophkeeper's LoadDefaults-then-overlay shape.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	TaskBaseURL string
	TaskAPIKey  string
	MailAPIToken string
	DocBaseURL   string

	DBDSN string

	DisableWebhooks           bool
	PeriodicBackfillInterval  time.Duration
	BackfillOverlap           time.Duration
	MaxQueueAttempts          int
	SpoolRetrySeconds         time.Duration

	TaskProcessAfter time.Time
	MailProcessAfter time.Time

	IncludeCompletedTasksOnInitialSync bool

	AppPort int
	Timezone string
	LogLevel string

	TaskWebhookSecret string
	MailWebhookSecret string

	AttachmentS3Bucket   string
	AttachmentS3Region   string
	AttachmentS3Endpoint string

	AdminJWTSecret string
	PublicURLFile  string

	TaskRateLimitPerSec float64
	MailRateLimitPerSec float64
	DocRateLimitPerSec  float64

	IdentityCacheTTL          time.Duration
	IdentityCacheSnapshotPath string
}

// LoadDefaults returns a Config populated with the defaults spec.md and
// SPEC_FULL.md name explicitly.
func LoadDefaults() Config {
	return Config{
		PeriodicBackfillInterval: 60 * time.Second,
		BackfillOverlap:          120 * time.Second,
		MaxQueueAttempts:         3,
		SpoolRetrySeconds:        60 * time.Second,
		AppPort:                  5000,
		Timezone:                 "UTC",
		LogLevel:                 "info",
		TaskRateLimitPerSec:      5,
		MailRateLimitPerSec:      5,
		DocRateLimitPerSec:       5,
		IdentityCacheTTL:         60 * time.Second,
	}
}

// FromEnv overlays environment variables onto defaults.
func FromEnv() (Config, error) {
	cfg := LoadDefaults()

	cfg.TaskBaseURL = os.Getenv("T_BASE_URL")
	cfg.TaskAPIKey = os.Getenv("T_API_KEY")
	cfg.MailAPIToken = os.Getenv("M_API_TOKEN")
	cfg.DocBaseURL = os.Getenv("C_BASE_URL")
	cfg.DBDSN = os.Getenv("DB_DSN")
	cfg.TaskWebhookSecret = os.Getenv("T_WEBHOOK_SECRET")
	cfg.MailWebhookSecret = os.Getenv("M_WEBHOOK_SECRET")
	cfg.AttachmentS3Bucket = os.Getenv("ATTACHMENT_S3_BUCKET")
	cfg.AttachmentS3Region = os.Getenv("ATTACHMENT_S3_REGION")
	cfg.AttachmentS3Endpoint = os.Getenv("ATTACHMENT_S3_ENDPOINT")
	cfg.AdminJWTSecret = os.Getenv("ADMIN_JWT_SECRET")
	cfg.PublicURLFile = os.Getenv("PUBLIC_URL_FILE")
	cfg.IdentityCacheSnapshotPath = os.Getenv("IDENTITY_CACHE_SNAPSHOT_PATH")

	if v := os.Getenv("TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	var err error
	if cfg.DisableWebhooks, err = boolEnv("DISABLE_WEBHOOKS", cfg.DisableWebhooks); err != nil {
		return cfg, err
	}
	if cfg.IncludeCompletedTasksOnInitialSync, err = boolEnv("INCLUDE_COMPLETED_TASKS_ON_INITIAL_SYNC", cfg.IncludeCompletedTasksOnInitialSync); err != nil {
		return cfg, err
	}
	if cfg.PeriodicBackfillInterval, err = durationSecondsEnv("PERIODIC_BACKFILL_INTERVAL", cfg.PeriodicBackfillInterval); err != nil {
		return cfg, err
	}
	if cfg.BackfillOverlap, err = durationSecondsEnv("BACKFILL_OVERLAP_SECONDS", cfg.BackfillOverlap); err != nil {
		return cfg, err
	}
	if cfg.MaxQueueAttempts, err = intEnv("MAX_QUEUE_ATTEMPTS", cfg.MaxQueueAttempts); err != nil {
		return cfg, err
	}
	if cfg.SpoolRetrySeconds, err = durationSecondsEnv("SPOOL_RETRY_SECONDS", cfg.SpoolRetrySeconds); err != nil {
		return cfg, err
	}
	if cfg.AppPort, err = intEnv("APP_PORT", cfg.AppPort); err != nil {
		return cfg, err
	}
	if cfg.TaskRateLimitPerSec, err = floatEnv("T_RATE_LIMIT_PER_SEC", cfg.TaskRateLimitPerSec); err != nil {
		return cfg, err
	}
	if cfg.MailRateLimitPerSec, err = floatEnv("M_RATE_LIMIT_PER_SEC", cfg.MailRateLimitPerSec); err != nil {
		return cfg, err
	}
	if cfg.DocRateLimitPerSec, err = floatEnv("C_RATE_LIMIT_PER_SEC", cfg.DocRateLimitPerSec); err != nil {
		return cfg, err
	}
	if cfg.IdentityCacheTTL, err = durationSecondsEnv("IDENTITY_CACHE_TTL_SECONDS", cfg.IdentityCacheTTL); err != nil {
		return cfg, err
	}

	if cfg.TaskProcessAfter, err = ddmmyyyyEnv("T_PROCESS_AFTER"); err != nil {
		return cfg, err
	}
	if cfg.MailProcessAfter, err = ddmmyyyyEnv("M_PROCESS_AFTER"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the invariants a fail-fast startup and the `validate`
// subcommand both rely on.
func (c Config) Validate() error {
	var errs []error
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}
	if c.TaskBaseURL == "" || c.TaskAPIKey == "" {
		errs = append(errs, errors.New("T_BASE_URL and T_API_KEY are required (source T is mandatory)"))
	}
	if c.MailAPIToken == "" {
		errs = append(errs, errors.New("M_API_TOKEN is required (source M is mandatory)"))
	}
	if c.MaxQueueAttempts < 1 {
		errs = append(errs, errors.New("MAX_QUEUE_ATTEMPTS must be at least 1"))
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT %d out of range", c.AppPort))
	}
	return errors.Join(errs...)
}

func (c Config) DocEnabled() bool { return c.DocBaseURL != "" }

func (c Config) AttachmentStagingEnabled() bool { return c.AttachmentS3Bucket != "" }

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func durationSecondsEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(seconds) * time.Second, nil
}

// ddmmyyyyEnv parses spec.md §6's DD.MM.YYYY format for *_PROCESS_AFTER.
func ddmmyyyyEnv(key string) (time.Time, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("02.01.2006", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: expected DD.MM.YYYY: %w", key, err)
	}
	return t, nil
}
