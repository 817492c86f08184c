package config

import (
	"os"
	"time"
)

const (
	defaultNATSURL          = "nats://localhost:4222"
	defaultRedisURL         = "redis://localhost:6379"
	defaultMetricsAddr      = ":9471"
	defaultBranchConfigPath = "config/branches.yaml"
	defaultLockTTL          = 30 * time.Second

	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envMetricsAddr      = "METRICS_ADDR"
	envBranchConfigPath = "BRANCH_CONFIG_PATH"
	envLockTTL          = "BRANCH_LOCK_TTL"
	envAuditDisabled    = "AUDIT_DISABLED"
)

// Config holds runtime configuration for the versioning service.
type Config struct {
	NatsURL          string
	RedisURL         string
	MetricsAddr      string
	BranchConfigPath string
	LockTTL          time.Duration
	AuditDisabled    bool
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	natsURL := os.Getenv(envNATSURL)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	metricsAddr := os.Getenv(envMetricsAddr)
	if metricsAddr == "" {
		metricsAddr = defaultMetricsAddr
	}

	branchCfg := os.Getenv(envBranchConfigPath)
	if branchCfg == "" {
		branchCfg = defaultBranchConfigPath
	}

	lockTTL := defaultLockTTL
	if v := os.Getenv(envLockTTL); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			lockTTL = parsed
		}
	}

	return &Config{
		NatsURL:          natsURL,
		RedisURL:         redisURL,
		MetricsAddr:      metricsAddr,
		BranchConfigPath: branchCfg,
		LockTTL:          lockTTL,
		AuditDisabled:    os.Getenv(envAuditDisabled) == "true",
	}
}
