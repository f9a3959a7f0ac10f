package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config is the server configuration, loaded from the environment.
type Config struct {
	// Server
	Port string `json:"port"`

	// Databases
	DatabasePath string `json:"database_path"`

	// Connection pooling
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`

	// Scheduled ingestion. Empty cron spec disables the scheduler.
	ScheduleCron      string `json:"schedule_cron"`
	ScheduleSourceDir string `json:"schedule_source_dir"`

	// ReferenceDir holds the provisioning workbooks (catalog.xlsx,
	// patterns.xlsx, glossary.xlsx) read by the reference reload endpoints.
	ReferenceDir string `json:"reference_dir"`

	// Pipeline
	Pipeline PipelineConfig `json:"pipeline"`
}

// PipelineConfig is passed explicitly into the orchestrator; there are no
// process-wide pipeline settings.
type PipelineConfig struct {
	// Workers is the size of the per-run source worker pool.
	Workers int `json:"workers"`
	// FlushEvery is the record-store batch size.
	FlushEvery int `json:"flush_every"`
	// FuzzyThreshold is the minimum weighted similarity for a fuzzy match.
	FuzzyThreshold float64 `json:"fuzzy_threshold"`
	// FuzzyMargin is the minimum lead over the runner-up candidate.
	FuzzyMargin float64 `json:"fuzzy_margin"`
	// SourceTimeout bounds importer reads for one source.
	SourceTimeout time.Duration `json:"source_timeout"`
	// RowsPerSecond throttles importer reads. 0 disables throttling.
	RowsPerSecond int `json:"rows_per_second"`
	// Store write retry policy.
	StoreRetryAttempts int           `json:"store_retry_attempts"`
	StoreRetryBase     time.Duration `json:"store_retry_base"`
	StoreRetryCap      time.Duration `json:"store_retry_cap"`
}

// LoadConfig loads the configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port: getEnv("SERVER_PORT", "9980"),

		DatabasePath: getEnv("DATABASE_PATH", "stock.db"),

		MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 3),
		ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),

		ScheduleCron:      getEnv("SCHEDULE_CRON", ""),
		ScheduleSourceDir: getEnv("SCHEDULE_SOURCE_DIR", "sources"),

		ReferenceDir: getEnv("REFERENCE_DIR", "reference"),

		Pipeline: LoadPipelineConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadPipelineConfig loads the pipeline configuration from the environment.
func LoadPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:            getEnvInt("PIPELINE_WORKERS", runtime.NumCPU()),
		FlushEvery:         getEnvInt("PIPELINE_FLUSH_EVERY", 1000),
		FuzzyThreshold:     getEnvFloat("PIPELINE_FUZZY_THRESHOLD", 0.75),
		FuzzyMargin:        getEnvFloat("PIPELINE_FUZZY_MARGIN", 0.05),
		SourceTimeout:      getEnvDuration("PIPELINE_SOURCE_TIMEOUT", 10*time.Minute),
		RowsPerSecond:      getEnvInt("PIPELINE_ROWS_PER_SECOND", 0),
		StoreRetryAttempts: getEnvInt("PIPELINE_STORE_RETRY_ATTEMPTS", 3),
		StoreRetryBase:     getEnvDuration("PIPELINE_STORE_RETRY_BASE", 200*time.Millisecond),
		StoreRetryCap:      getEnvDuration("PIPELINE_STORE_RETRY_CAP", 2*time.Second),
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	return c.Pipeline.Validate()
}

// Validate checks the pipeline configuration.
func (c *PipelineConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("pipeline workers must be at least 1, got %d", c.Workers)
	}
	if c.FlushEvery < 1 {
		return fmt.Errorf("flush size must be at least 1, got %d", c.FlushEvery)
	}
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy threshold must be in [0,1], got %f", c.FuzzyThreshold)
	}
	if c.FuzzyMargin < 0 || c.FuzzyMargin > 1 {
		return fmt.Errorf("fuzzy margin must be in [0,1], got %f", c.FuzzyMargin)
	}
	if c.StoreRetryAttempts < 1 {
		return fmt.Errorf("store retry attempts must be at least 1, got %d", c.StoreRetryAttempts)
	}
	return nil
}

// getEnv reads an environment variable or falls back to the default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt reads an environment variable as int or falls back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat reads an environment variable as float64 or falls back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration reads an environment variable as time.Duration or falls back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
