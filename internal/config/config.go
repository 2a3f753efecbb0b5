// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Budget modes: what Rent does when the ceiling is reached.
const (
	BudgetModeBlock = "block" // wait until capacity frees, up to BudgetTimeout
	BudgetModeFail  = "fail"  // fail immediately with ErrMemoryBudgetExceeded
)

// Config holds all application configuration.
type Config struct {
	// Memory budget settings.
	MemoryCeilingBytes int64         // Upper bound on simultaneously rented bytes.
	BudgetMode         string        // "block" or "fail".
	BudgetTimeout      time.Duration // Max wait in block mode before failing.
	ChunkDepth         int           // Depth slices per chunk for chunked access.

	// Worker pool settings.
	Workers int // Max concurrent items in batch operations.

	// Audit log settings.
	AuditDBPath        string        // SQLite file for the durable audit sink.
	AuditBufferSize    int           // Entries buffered before a flush is forced.
	AuditFlushInterval time.Duration // Background flush period.

	// Anonymizer settings.
	ProfileTagsPath string // Optional YAML file with extra tags for custom profiles.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		MemoryCeilingBytes: envInt64("VOXMILL_MEMORY_CEILING_BYTES", 2<<30), // 2 GiB default
		BudgetMode:         envStr("VOXMILL_BUDGET_MODE", BudgetModeBlock),
		BudgetTimeout:      envDuration("VOXMILL_BUDGET_TIMEOUT", 30*time.Second),
		ChunkDepth:         envInt("VOXMILL_CHUNK_DEPTH", 16),
		Workers:            envInt("VOXMILL_WORKERS", runtime.NumCPU()),
		AuditDBPath:        envStr("VOXMILL_AUDIT_DB", "voxmill-audit.db"),
		AuditBufferSize:    envInt("VOXMILL_AUDIT_BUFFER_SIZE", 256),
		AuditFlushInterval: envDuration("VOXMILL_AUDIT_FLUSH_INTERVAL", 500*time.Millisecond),
		ProfileTagsPath:    envStr("VOXMILL_PROFILE_TAGS", ""),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:       envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "voxmill"),
		LogLevel:           envStr("VOXMILL_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.MemoryCeilingBytes <= 0 {
		return fmt.Errorf("config: VOXMILL_MEMORY_CEILING_BYTES must be positive")
	}
	if c.BudgetMode != BudgetModeBlock && c.BudgetMode != BudgetModeFail {
		return fmt.Errorf("config: VOXMILL_BUDGET_MODE must be %q or %q, got %q", BudgetModeBlock, BudgetModeFail, c.BudgetMode)
	}
	if c.ChunkDepth <= 0 {
		return fmt.Errorf("config: VOXMILL_CHUNK_DEPTH must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: VOXMILL_WORKERS must be positive")
	}
	if c.AuditDBPath == "" {
		return fmt.Errorf("config: VOXMILL_AUDIT_DB is required")
	}
	if c.AuditBufferSize <= 0 {
		return fmt.Errorf("config: VOXMILL_AUDIT_BUFFER_SIZE must be positive")
	}
	return nil
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

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
