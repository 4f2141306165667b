package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all server settings in correct types.
type Config struct {
	Addr              string
	StagingDir        string
	StateFile         string
	MaxWorkers        int
	MaxConcurrentJobs int
	ChunkSizeMB       int
	MaxRetries        int
	RetryDelay        time.Duration
	JobTimeout        time.Duration
	Retention         time.Duration
	SpeedWindow       time.Duration
}

// Load reads the configuration from the environment, falling back to
// defaults that work for a single-node deployment.
func Load() *Config {
	cfg := &Config{
		Addr:              getEnv("ADDR", ":8090"),
		StagingDir:        getEnv("STAGING_DIR", "staging"),
		StateFile:         getEnv("STATE_FILE", "stagefast.db"),
		MaxWorkers:        getEnvAsInt("MAX_WORKERS", 4),
		MaxConcurrentJobs: getEnvAsInt("MAX_CONCURRENT_JOBS", 3),
		ChunkSizeMB:       getEnvAsInt("CHUNK_SIZE_MB", 16),
		MaxRetries:        getEnvAsInt("MAX_RETRIES", 3),
		RetryDelay:        time.Duration(getEnvAsInt("RETRY_DELAY_SECONDS", 2)) * time.Second,
		JobTimeout:        time.Duration(getEnvAsInt("JOB_TIMEOUT_MINUTES", 240)) * time.Minute,
		Retention:         time.Duration(getEnvAsInt("RETENTION_HOURS", 24)) * time.Hour,
		SpeedWindow:       time.Duration(getEnvAsInt("SPEED_WINDOW_SECONDS", 10)) * time.Second,
	}

	validate(cfg)

	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	str := getEnv(key, "")
	if val, err := strconv.Atoi(str); err == nil {
		return val
	}
	return fallback
}

// validate ensures the server won't start with values it cannot run on.
func validate(cfg *Config) {
	if cfg.MaxWorkers < 1 {
		slog.Warn("MAX_WORKERS must be at least 1, resetting", "value", cfg.MaxWorkers, "default", 4)
		cfg.MaxWorkers = 4
	}
	if cfg.MaxConcurrentJobs < 1 {
		slog.Warn("MAX_CONCURRENT_JOBS must be at least 1, resetting", "value", cfg.MaxConcurrentJobs, "default", 3)
		cfg.MaxConcurrentJobs = 3
	}
	if cfg.ChunkSizeMB < 1 {
		slog.Warn("CHUNK_SIZE_MB must be at least 1, resetting", "value", cfg.ChunkSizeMB, "default", 16)
		cfg.ChunkSizeMB = 16
	}
	if _, err := os.Stat(cfg.StagingDir); os.IsNotExist(err) {
		slog.Info("creating missing staging directory", "dir", cfg.StagingDir)
		os.MkdirAll(cfg.StagingDir, 0o755)
	}
}
