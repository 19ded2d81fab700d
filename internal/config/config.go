// Package config loads engine configuration from the environment. A .env
// file is honored when present (local development); real deployments set
// the variables directly.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime knob.
type Config struct {
	Port        string
	DatabaseURL string // empty = in-memory store
	RedisAddr   string // empty = no redis

	// MasterKey authenticates signal broadcasts. Empty disables the
	// broadcast endpoint entirely.
	MasterKey string

	// StartupDelay is the readiness barrier before background loops start.
	StartupDelay time.Duration

	ExecutionInterval time.Duration
	MonitorInterval   time.Duration
	ReconcileInterval time.Duration

	// BatchSize bounds how many accounts are processed concurrently.
	BatchSize int
	// BatchDelay is the pause between account batches.
	BatchDelay time.Duration

	// SettleDelay is the wait between entry fill and protective legs.
	SettleDelay time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:        envStr("PORT", "8080"),
		DatabaseURL: envStr("DATABASE_URL", ""),
		RedisAddr:   envStr("REDIS_ADDR", ""),
		MasterKey:   envStr("MASTER_KEY", ""),

		StartupDelay: envDur("STARTUP_DELAY", 10*time.Second),

		ExecutionInterval: envDur("EXECUTION_INTERVAL", 10*time.Second),
		MonitorInterval:   envDur("MONITOR_INTERVAL", 60*time.Second),
		ReconcileInterval: envDur("RECONCILE_INTERVAL", time.Hour),

		BatchSize:  envInt("BATCH_SIZE", 50),
		BatchDelay: envDur("BATCH_DELAY", 2*time.Second),

		SettleDelay: envDur("SETTLE_DELAY", 2*time.Second),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
