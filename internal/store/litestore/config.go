package litestore

import (
	"fmt"
	"os"
	"time"
)

// Config holds the embedded-relational store's settings.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for an
	// in-process, non-persistent store (used heavily in tests).
	Path string

	// PollInterval is how often a Subscribe goroutine checks the
	// store_changes table for new rows.
	PollInterval time.Duration

	// ChangeRetention bounds how long rows in store_changes are kept
	// before being trimmed by the periodic sweep.
	ChangeRetention time.Duration
}

// LoadConfigFromEnv loads the embedded store configuration from the
// environment, following the same getEnvOrDefault convention as pgstore.
func LoadConfigFromEnv() (Config, error) {
	path := getEnvOrDefault("SUBSTRATE_SQLITE_PATH", "./substrate.db")

	pollInterval, err := time.ParseDuration(getEnvOrDefault("SUBSTRATE_SQLITE_POLL_INTERVAL", "50ms"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SUBSTRATE_SQLITE_POLL_INTERVAL: %w", err)
	}
	retention, err := time.ParseDuration(getEnvOrDefault("SUBSTRATE_SQLITE_CHANGE_RETENTION", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SUBSTRATE_SQLITE_CHANGE_RETENTION: %w", err)
	}

	return Config{Path: path, PollInterval: pollInterval, ChangeRetention: retention}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
