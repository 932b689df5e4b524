// Package config loads client configuration from a YAML file with
// environment variable overrides. A .env file in the working directory is
// honored, so local development needs no exported shell state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/chatsend/limits"
)

// Config holds every tunable of the chat client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com/v1.
	BaseURL string `yaml:"base_url"`
	// Token is the bearer token attached to every request.
	Token string `yaml:"token"`

	// ChunkSizeBytes is the upload chunk size. Zero means the default.
	ChunkSizeBytes int64 `yaml:"chunk_size_bytes"`
	// RateLimitBytesPerSecond throttles upload bandwidth. Zero disables.
	RateLimitBytesPerSecond int `yaml:"rate_limit_bytes_per_second"`
	// RecallWindow bounds how long after sending a message may be recalled.
	RecallWindow time.Duration `yaml:"recall_window"`
	// DeterministicUploadIDs derives upload ids from file content so an
	// interrupted upload can be rediscovered after a client restart.
	DeterministicUploadIDs bool `yaml:"deterministic_upload_ids"`

	// LogLevel is a logrus level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file or environment
// overrides are present. It is valid except for the empty BaseURL and Token.
func Default() *Config {
	return &Config{
		ChunkSizeBytes: limits.DefaultChunkSize,
		RecallWindow:   60 * time.Second,
		LogLevel:       "info",
	}
}

// Load builds a configuration from defaults, an optional YAML file, and
// environment overrides, in that order. Pass an empty path to skip the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Load",
		"config_path": path,
		"base_url":    cfg.BaseURL,
		"chunk_size":  cfg.ChunkSizeBytes,
	}).Debug("Configuration loaded")

	return cfg, nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if err := limits.ValidateChunkSize(c.ChunkSizeBytes); err != nil {
		return fmt.Errorf("chunk_size_bytes: %w", err)
	}
	if c.RateLimitBytesPerSecond < 0 {
		return fmt.Errorf("rate_limit_bytes_per_second must not be negative: %d", c.RateLimitBytesPerSecond)
	}
	if c.RecallWindow <= 0 {
		return fmt.Errorf("recall_window must be positive: %s", c.RecallWindow)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level returns the parsed logrus level. Validate must have passed.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func loadFromFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

// applyEnv overlays CHATSEND_* environment variables. A .env file is loaded
// first if present; real environment variables win over .env entries.
func applyEnv(cfg *Config) {
	// godotenv never overwrites variables already set in the environment.
	_ = godotenv.Load()

	if v := os.Getenv("CHATSEND_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("CHATSEND_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("CHATSEND_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChunkSizeBytes = n
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "applyEnv",
				"value":    v,
			}).Warn("Ignoring unparsable CHATSEND_CHUNK_SIZE")
		}
	}
	if v := os.Getenv("CHATSEND_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBytesPerSecond = n
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "applyEnv",
				"value":    v,
			}).Warn("Ignoring unparsable CHATSEND_RATE_LIMIT")
		}
	}
	if v := os.Getenv("CHATSEND_RECALL_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RecallWindow = d
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "applyEnv",
				"value":    v,
			}).Warn("Ignoring unparsable CHATSEND_RECALL_WINDOW")
		}
	}
	if v := os.Getenv("CHATSEND_DETERMINISTIC_UPLOAD_IDS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DeterministicUploadIDs = b
		}
	}
	if v := os.Getenv("CHATSEND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
