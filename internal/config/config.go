// Package config carries the engine tunables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every interval, threshold, and endpoint the engine uses.
// Defaults mirror the production constants the system has always run with.
type Config struct {
	DBPath    string
	NATSUrl   string
	BridgeURL string
	OpsPort   int

	// Resource pool.
	SessionCooldown time.Duration
	MaxSessionFails int

	// Proxy health checks.
	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	ProxyFailLimit  int
	ProxyRetention  time.Duration

	// Probing.
	PropagationWait time.Duration
	SearchLimit     int
	ProbeTimeout    time.Duration
	RankCacheTTL    time.Duration

	// Rental lifecycle.
	RefundPercent  int
	ExpiryReminder time.Duration
	FinalReminder  time.Duration
	PendingExpiry  time.Duration
	ArchiveAfter   time.Duration
	ArchiveHour    int

	// Watchdog.
	CheckInterval time.Duration
	SleepSlice    time.Duration
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		DBPath:    getEnv("RANKSPOT_DB", "rankspot.db"),
		NATSUrl:   os.Getenv("RANKSPOT_NATS_URL"),
		BridgeURL: getEnv("RANKSPOT_BRIDGE_URL", "http://127.0.0.1:8089"),
		OpsPort:   getEnvInt("RANKSPOT_OPS_PORT", 9090),

		SessionCooldown: 10 * time.Minute,
		MaxSessionFails: 3,

		HealthInterval: 15 * time.Minute,
		HealthTimeout:  10 * time.Second,
		ProxyFailLimit: 3,
		ProxyRetention: 7 * 24 * time.Hour,

		PropagationWait: 30 * time.Second,
		SearchLimit:     100,
		ProbeTimeout:    30 * time.Second,
		RankCacheTTL:    24 * time.Hour,

		RefundPercent:  70,
		ExpiryReminder: 3 * time.Hour,
		FinalReminder:  15 * time.Minute,
		PendingExpiry:  4 * time.Hour,
		ArchiveAfter:   30 * 24 * time.Hour,
		ArchiveHour:    3,

		CheckInterval: 2 * time.Hour,
		SleepSlice:    time.Minute,
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
