// Package config loads environment-level settings: queue ceilings, default
// timeouts, webhook retry policy and per-tier rate limits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr    string
	DBPath  string
	Workers int

	QueueCeiling          int
	MaxBatchSize          int
	MaxConversationLength int

	JobTimeout     time.Duration
	DequeueTimeout time.Duration
	ShutdownGrace  time.Duration

	WebhookTimeout    time.Duration
	WebhookMaxRetries int

	RateWindow  time.Duration
	RatePublic  int
	RateAPIKey  int
	RatePartner int

	ResultsTTL        time.Duration
	MetadataTTL       time.Duration
	RetentionSchedule string

	AnalyzerURL   string
	AnalyzerModel string
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:              envStr("ADDR", ":8080"),
		DBPath:            envStr("DB_PATH", "convoflow.db"),
		AnalyzerURL:       envStr("ANALYZER_URL", "http://localhost:11434"),
		AnalyzerModel:     envStr("ANALYZER_MODEL", "observer"),
		RetentionSchedule: envStr("RETENTION_SCHEDULE", "@hourly"),
	}

	var err error
	if cfg.Workers, err = envInt("WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.QueueCeiling, err = envInt("QUEUE_CEILING", 10000); err != nil {
		return nil, err
	}
	if cfg.MaxBatchSize, err = envInt("MAX_BATCH_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.MaxConversationLength, err = envInt("MAX_CONVERSATION_LENGTH", 10000); err != nil {
		return nil, err
	}
	if cfg.WebhookMaxRetries, err = envInt("WEBHOOK_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.RatePublic, err = envInt("RATE_LIMIT_PUBLIC", 100); err != nil {
		return nil, err
	}
	if cfg.RateAPIKey, err = envInt("RATE_LIMIT_API_KEY", 1000); err != nil {
		return nil, err
	}
	if cfg.RatePartner, err = envInt("RATE_LIMIT_PARTNER", 5000); err != nil {
		return nil, err
	}

	if cfg.JobTimeout, err = envDuration("JOB_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DequeueTimeout, err = envDuration("DEQUEUE_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = envDuration("SHUTDOWN_GRACE", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.WebhookTimeout, err = envDuration("WEBHOOK_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateWindow, err = envDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ResultsTTL, err = envDuration("RESULTS_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.MetadataTTL, err = envDuration("METADATA_TTL", 90*24*time.Hour); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
