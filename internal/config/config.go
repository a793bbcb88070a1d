// Package config provides configuration for the vectordb server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/arkilian/vectordb/internal/engine"
	"github.com/arkilian/vectordb/internal/indexer"
	"github.com/arkilian/vectordb/internal/ingest"
	"github.com/arkilian/vectordb/internal/lifecycle"
	"github.com/arkilian/vectordb/internal/query"
	"github.com/arkilian/vectordb/internal/storage"
)

// Config holds the configuration of a vectordb server.
type Config struct {
	// DataDir is the base directory for the catalog and segment files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"log_level" yaml:"log_level"`

	// LogFormat is text or json
	LogFormat string `json:"log_format" yaml:"log_format"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Ingest buffer configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Index build configuration
	Indexer IndexerConfig `json:"indexer" yaml:"indexer"`

	// Segment lifecycle configuration
	Lifecycle LifecycleConfig `json:"lifecycle" yaml:"lifecycle"`

	// Query configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Archive tier configuration
	Storage storage.Config `json:"storage" yaml:"storage"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// HTTPConfig holds admin HTTP server configuration.
type HTTPConfig struct {
	// Addr is the admin HTTP address
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC health server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// IngestConfig holds insert buffer configuration.
type IngestConfig struct {
	// FlushBytes flushes a table once its buffered rows reach this size
	FlushBytes int64 `json:"flush_bytes" yaml:"flush_bytes"`

	// FlushInterval is the periodic flush interval
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// IndexerConfig holds index build configuration.
type IndexerConfig struct {
	// Workers is the number of concurrent builds
	Workers int `json:"workers" yaml:"workers"`

	// MaxAttempts is the number of failed builds before a segment is flagged
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// PollInterval is how often the build queue is scanned
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// MemoryLimitMB bounds the rows held by in-flight builds. 0 means unbounded
	MemoryLimitMB int64 `json:"memory_limit_mb" yaml:"memory_limit_mb"`

	// IOBytesPerSec throttles raw segment reads. 0 means unthrottled
	IOBytesPerSec int64 `json:"io_bytes_per_sec" yaml:"io_bytes_per_sec"`
}

// LifecycleConfig holds segment lifecycle configuration.
type LifecycleConfig struct {
	// Schedule is the cron spec of the sweep
	Schedule string `json:"schedule" yaml:"schedule"`

	// SealAfter closes raw segments older than this. 0 disables
	SealAfter time.Duration `json:"seal_after" yaml:"seal_after"`

	// RetentionDays retires partitions older than this. 0 disables
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// MaxTableBytes caps a table's indexed size. 0 disables
	MaxTableBytes int64 `json:"max_table_bytes" yaml:"max_table_bytes"`
}

// QueryConfig holds query configuration.
type QueryConfig struct {
	// Concurrency is the number of segments searched in parallel
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// IndexCacheMB bounds the memory of loaded indexes
	IndexCacheMB int64 `json:"index_cache_mb" yaml:"index_cache_mb"`

	// IndexCacheEntries bounds the number of loaded indexes. 0 means unbounded
	IndexCacheEntries int `json:"index_cache_entries" yaml:"index_cache_entries"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	ic := indexer.DefaultConfig()
	return &Config{
		DataDir:   "./data/vectordb",
		LogLevel:  "info",
		LogFormat: "text",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Ingest: IngestConfig{
			FlushBytes:    ingest.DefaultConfig().FlushBytes,
			FlushInterval: ingest.DefaultConfig().FlushInterval,
		},
		Indexer: IndexerConfig{
			Workers:      int(ic.Resources.Workers),
			MaxAttempts:  ic.MaxAttempts,
			PollInterval: ic.PollInterval,
		},
		Lifecycle: LifecycleConfig{
			Schedule: lifecycle.DefaultSchedule,
		},
		Query: QueryConfig{
			Concurrency:  8,
			IndexCacheMB: 1024,
		},
		Storage: storage.Config{
			Type: storage.TypeNone,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/vectordb"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = storage.TypeNone
	}
	if c.Storage.Type == storage.TypeLocal && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
}

// ManifestPath returns the path to the catalog database.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.DataDir, "manifest.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Storage.Type {
	case storage.TypeNone, storage.TypeLocal:
	case storage.TypeS3, storage.TypeMinio:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required when storage type is %s", c.Storage.Type)
		}
		if c.Storage.Type == storage.TypeMinio && c.Storage.Endpoint == "" {
			return fmt.Errorf("storage.endpoint is required when storage type is minio")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be none, local, s3, or minio)", c.Storage.Type)
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.LogFormat)
	}

	if c.Ingest.FlushBytes <= 0 {
		return fmt.Errorf("ingest.flush_bytes must be positive, got %d", c.Ingest.FlushBytes)
	}
	if c.Ingest.FlushInterval <= 0 {
		return fmt.Errorf("ingest.flush_interval must be positive, got %v", c.Ingest.FlushInterval)
	}
	if c.Indexer.Workers < 1 {
		return fmt.Errorf("indexer.workers must be at least 1, got %d", c.Indexer.Workers)
	}
	if c.Indexer.MaxAttempts < 1 {
		return fmt.Errorf("indexer.max_attempts must be at least 1, got %d", c.Indexer.MaxAttempts)
	}
	if c.Indexer.MemoryLimitMB < 0 || c.Indexer.IOBytesPerSec < 0 {
		return fmt.Errorf("indexer limits must not be negative")
	}
	if c.Lifecycle.RetentionDays < 0 || c.Lifecycle.MaxTableBytes < 0 {
		return fmt.Errorf("lifecycle limits must not be negative")
	}
	if _, err := cron.ParseStandard(c.Lifecycle.Schedule); err != nil {
		return fmt.Errorf("invalid lifecycle.schedule %q: %w", c.Lifecycle.Schedule, err)
	}
	if c.Query.Concurrency < 1 {
		return fmt.Errorf("query.concurrency must be at least 1, got %d", c.Query.Concurrency)
	}
	if c.Query.IndexCacheMB < 1 {
		return fmt.Errorf("query.index_cache_mb must be at least 1, got %d", c.Query.IndexCacheMB)
	}
	return nil
}

// Engine maps the configuration to the engine's.
func (c *Config) Engine() engine.Config {
	ec := engine.DefaultConfig(c.DataDir)

	ec.Ingest.FlushBytes = c.Ingest.FlushBytes
	ec.Ingest.FlushInterval = c.Ingest.FlushInterval

	ec.Indexer.PollInterval = c.Indexer.PollInterval
	ec.Indexer.MaxAttempts = c.Indexer.MaxAttempts
	ec.Indexer.Resources = indexer.ResourceConfig{
		Workers:          int64(c.Indexer.Workers),
		MemoryLimitBytes: c.Indexer.MemoryLimitMB * 1024 * 1024,
		IOBytesPerSec:    c.Indexer.IOBytesPerSec,
	}
	ec.Indexer.Backpressure.MaxConcurrency = c.Indexer.Workers

	ec.Lifecycle.Schedule = c.Lifecycle.Schedule
	ec.Lifecycle.SealAfter = c.Lifecycle.SealAfter
	ec.Lifecycle.RetentionDays = c.Lifecycle.RetentionDays
	ec.Lifecycle.MaxTableBytes = c.Lifecycle.MaxTableBytes

	ec.Query = query.ExecutorConfig{Concurrency: c.Query.Concurrency}
	ec.CacheBytes = c.Query.IndexCacheMB * 1024 * 1024
	ec.CacheEntries = c.Query.IndexCacheEntries
	return ec
}

// LoadFromFile loads configuration from a YAML or JSON file over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the VECTORDB_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VECTORDB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VECTORDB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VECTORDB_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	// HTTP and gRPC
	if v := os.Getenv("VECTORDB_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("VECTORDB_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("VECTORDB_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Ingest
	if v := os.Getenv("VECTORDB_INGEST_FLUSH_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.FlushBytes)
	}
	if v := os.Getenv("VECTORDB_INGEST_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingest.FlushInterval = d
		}
	}

	// Indexer
	if v := os.Getenv("VECTORDB_INDEXER_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Indexer.Workers)
	}
	if v := os.Getenv("VECTORDB_INDEXER_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Indexer.MaxAttempts)
	}
	if v := os.Getenv("VECTORDB_INDEXER_IO_BYTES_PER_SEC"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Indexer.IOBytesPerSec)
	}

	// Lifecycle
	if v := os.Getenv("VECTORDB_LIFECYCLE_SCHEDULE"); v != "" {
		cfg.Lifecycle.Schedule = v
	}
	if v := os.Getenv("VECTORDB_LIFECYCLE_RETENTION_DAYS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Lifecycle.RetentionDays)
	}

	// Query
	if v := os.Getenv("VECTORDB_QUERY_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.Concurrency)
	}
	if v := os.Getenv("VECTORDB_QUERY_INDEX_CACHE_MB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.IndexCacheMB)
	}

	// Archive tier
	if v := os.Getenv("VECTORDB_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("VECTORDB_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("VECTORDB_STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("VECTORDB_STORAGE_REGION"); v != "" {
		cfg.Storage.Region = v
	}
	if v := os.Getenv("VECTORDB_STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("VECTORDB_STORAGE_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("VECTORDB_STORAGE_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == storage.TypeLocal {
		dirs = append(dirs, c.Storage.Path)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
