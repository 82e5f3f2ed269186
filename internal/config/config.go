// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for databases and interval config files
	Port     int
	DevMode  bool
	LogLevel string

	Kernel   KernelConfig
	Exchange ExchangeConfig
	Worker   WorkerConfig
	Backup   BackupConfig
}

// KernelConfig holds lifecycle kernel tuning.
type KernelConfig struct {
	FPS       int // Tick frequency, 1-120
	MaxErrors int // Consecutive tick faults before an object is destroyed
}

// ExchangeConfig holds simulated-clock defaults applied to new exchanges.
type ExchangeConfig struct {
	InitialTime   string  // "HH:mm" market open the clock snaps to on creation
	Acceleration  float64 // Virtual seconds per real second
	IntervalsPath string  // Trading intervals JSON file (optional)
}

// WorkerConfig holds instantiation worker-pool sizing.
type WorkerConfig struct {
	PoolSize      int
	MaxConcurrent int
	Timeout       time.Duration
	RetryAttempts int
	ArchiveTTL    time.Duration // How long terminal tasks stay queryable
}

// BackupConfig holds optional S3-compatible snapshot upload settings.
// Backup is disabled unless credentials and a bucket are present.
type BackupConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Schedule        string // cron spec, e.g. "0 3 * * *"
}

// Enabled reports whether snapshot backups are configured.
func (b BackupConfig) Enabled() bool {
	return b.AccessKeyID != "" && b.SecretAccessKey != "" && b.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MARKETSIM_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GO_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Kernel: KernelConfig{
			FPS:       getEnvAsInt("KERNEL_FPS", 30),
			MaxErrors: getEnvAsInt("KERNEL_MAX_ERRORS", 3),
		},
		Exchange: ExchangeConfig{
			InitialTime:   getEnv("EXCHANGE_INITIAL_TIME", "09:15"),
			Acceleration:  getEnvAsFloat("EXCHANGE_TIME_ACCELERATION", 1.0),
			IntervalsPath: getEnv("EXCHANGE_INTERVALS_PATH", filepath.Join(absDataDir, "trading_intervals.json")),
		},
		Worker: WorkerConfig{
			PoolSize:      getEnvAsInt("WORKER_POOL_SIZE", 4),
			MaxConcurrent: getEnvAsInt("WORKER_MAX_CONCURRENT", 2),
			Timeout:       time.Duration(getEnvAsInt("WORKER_TIMEOUT_MS", 30000)) * time.Millisecond,
			RetryAttempts: getEnvAsInt("WORKER_RETRY_ATTEMPTS", 3),
			ArchiveTTL:    time.Duration(getEnvAsInt("WORKER_ARCHIVE_TTL_S", 3600)) * time.Second,
		},
		Backup: BackupConfig{
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			Schedule:        getEnv("BACKUP_SCHEDULE", "0 3 * * *"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Kernel.FPS < 1 || c.Kernel.FPS > 120 {
		return fmt.Errorf("KERNEL_FPS must be in [1, 120], got %d", c.Kernel.FPS)
	}
	if c.Exchange.Acceleration < 0.1 || c.Exchange.Acceleration > 1000 {
		return fmt.Errorf("EXCHANGE_TIME_ACCELERATION must be in [0.1, 1000], got %v", c.Exchange.Acceleration)
	}
	if c.Worker.PoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", c.Worker.PoolSize)
	}
	if c.Worker.MaxConcurrent < 1 || c.Worker.MaxConcurrent > c.Worker.PoolSize {
		return fmt.Errorf("WORKER_MAX_CONCURRENT must be in [1, WORKER_POOL_SIZE], got %d", c.Worker.MaxConcurrent)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
