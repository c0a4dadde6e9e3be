// Package config loads kernel configuration from the environment and tool
// contract manifests from YAML files.
package config

import (
	"os"
	"strconv"
)

// Config holds kernel configuration.
type Config struct {
	Port                string
	LogLevel            string
	DatabaseURL         string
	RedisURL            string
	OTLPEndpoint        string
	ContractsDir        string
	ArchiveURL          string
	EventStoreCapacity  int
	ApprovalTimeoutMs   int64
	MaxConcurrent       int
	AutoApproveReadOnly bool
	SafeModeOnStart     bool
	WakeTriggers        string
	AuthSecret          string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:                getenv("PORT", "8080"),
		LogLevel:            getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:         getenv("DATABASE_URL", ""),
		RedisURL:            getenv("REDIS_URL", ""),
		OTLPEndpoint:        getenv("OTLP_ENDPOINT", ""),
		ContractsDir:        getenv("CONTRACTS_DIR", "contracts"),
		ArchiveURL:          getenv("ARCHIVE_URL", "archive"),
		EventStoreCapacity:  getint("EVENT_STORE_CAPACITY", 10000),
		ApprovalTimeoutMs:   int64(getint("APPROVAL_TIMEOUT_MS", 300000)),
		MaxConcurrent:       getint("MAX_CONCURRENT", 1),
		AutoApproveReadOnly: getbool("AUTO_APPROVE_READ_ONLY", true),
		SafeModeOnStart:     getbool("SAFE_MODE_ON_START", false),
		WakeTriggers:        getenv("WAKE_TRIGGERS", ""),
		AuthSecret:          getenv("API_AUTH_SECRET", ""),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getbool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}
