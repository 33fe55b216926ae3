// Package config provides the environment-backed configuration loader used
// by the service bootstrap (cmd/approval-service/main.go).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime config values used by main.go.
type Config struct {
	DatabaseURL string // DATABASE_URL (empty: in-memory store)
	ListenAddr  string // LISTEN_ADDR (default :8080)
	AuthSecret  string // AUTH_SECRET (empty: header-based dev identities)

	DirectoryURL string // DIRECTORY_URL (empty: static directory)

	KafkaBrokers       []string // KAFKA_BROKERS, comma-separated
	DecisionsTopic     string   // DECISIONS_TOPIC (default approval.decisions)
	NotificationsTopic string   // NOTIFICATIONS_TOPIC (default approval.notifications)

	S3Bucket string // S3_BUCKET (empty: archiving disabled)
	S3Prefix string // S3_PREFIX

	SweepInterval    time.Duration // SWEEP_INTERVAL_SECONDS (default 60)
	SweepBatchSize   int           // SWEEP_BATCH_SIZE (default 200)
	AtRiskWindow     time.Duration // AT_RISK_WINDOW_HOURS (default 24)
	ExpiryGraceHours time.Duration // EXPIRY_GRACE_HOURS (default 168, <=0 disables)
}

// LoadFromEnv reads config values from environment variables. Malformed
// numbers fall back to defaults rather than failing startup.
func LoadFromEnv() *Config {
	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ListenAddr:         os.Getenv("LISTEN_ADDR"),
		AuthSecret:         os.Getenv("AUTH_SECRET"),
		DirectoryURL:       os.Getenv("DIRECTORY_URL"),
		DecisionsTopic:     os.Getenv("DECISIONS_TOPIC"),
		NotificationsTopic: os.Getenv("NOTIFICATIONS_TOPIC"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3Prefix:           os.Getenv("S3_PREFIX"),
		SweepInterval:      60 * time.Second,
		SweepBatchSize:     200,
		AtRiskWindow:       24 * time.Hour,
		ExpiryGraceHours:   168 * time.Hour,
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DecisionsTopic == "" {
		cfg.DecisionsTopic = "approval.decisions"
	}
	if cfg.NotificationsTopic == "" {
		cfg.NotificationsTopic = "approval.notifications"
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SWEEP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepBatchSize = n
		}
	}
	if v := os.Getenv("AT_RISK_WINDOW_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AtRiskWindow = time.Duration(n) * time.Hour
		}
	}
	if v := os.Getenv("EXPIRY_GRACE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExpiryGraceHours = time.Duration(n) * time.Hour
		}
	}

	return cfg
}
