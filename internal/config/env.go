package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("ORACLE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("ORACLE_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if url := os.Getenv("ORACLE_MODEL_URL"); url != "" {
		cfg.Model.BaseURL = url
	}

	if timeout := os.Getenv("ORACLE_MODEL_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Model.Timeout = d
		}
	}

	if workers := os.Getenv("ORACLE_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			cfg.Analysis.Workers = n
		}
	}

	if dir := os.Getenv("ORACLE_SPOOL_DIR"); dir != "" {
		cfg.Analysis.SpoolDir = dir
	}

	if secret := os.Getenv("ORACLE_PROVIDER_SECRET"); secret != "" {
		cfg.Auth.ProviderSecret = secret
	}

	if dsn := os.Getenv("ORACLE_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
