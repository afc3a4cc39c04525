package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type ModelConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type AnalysisConfig struct {
	Workers     int           `yaml:"workers"`
	TurnRetries int           `yaml:"turn_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	SpoolDir    string        `yaml:"spool_dir"`
}

type DispatchConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	ProviderSecret string `yaml:"provider_secret"`
}

type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the configuration used when nothing is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Model: ModelConfig{
			BaseURL: "http://localhost:11434",
			Timeout: 60 * time.Second,
		},
		Analysis: AnalysisConfig{
			Workers:     4,
			TurnRetries: 2,
			RetryDelay:  250 * time.Millisecond,
			SpoolDir:    "data/spool",
		},
		Dispatch: DispatchConfig{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
			Timeout:     10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RatePerSecond: 10,
			Burst:         20,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	LoadFromEnv(cfg)
	return cfg, nil
}
