// Package config provides unified configuration for the Skylark engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeIngest   Mode = "ingest"
	ModeQuery    Mode = "query"
	ModeMaintain Mode = "maintain"
)

// Config holds the unified configuration for the engine.
type Config struct {
	// Mode specifies which services to run: all, ingest, query, maintain
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all local state
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Queue holds durable ingest buffer configuration
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Commit holds table committer configuration
	Commit CommitConfig `json:"commit" yaml:"commit"`

	// Query holds query provider configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Maintenance holds background scheduler configuration
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// AdminAddr is the admin/health HTTP address (PORT env, default :80)
	AdminAddr string `json:"admin_addr" yaml:"admin_addr"`

	// WireAddr is reserved for the external relational wire front end
	// (default :5432). The engine itself does not bind it.
	WireAddr string `json:"wire_addr" yaml:"wire_addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// QueueConfig holds durable ingest buffer configuration.
type QueueConfig struct {
	// Dir is the directory for the crash-safe queue log
	Dir string `json:"dir" yaml:"dir"`

	// MaxBytes is the local durability budget; enqueue fails with
	// QUEUE_FULL once outstanding entries exceed it
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes"`

	// MaxSegmentBytes is the queue log segment rotation size
	MaxSegmentBytes int64 `json:"max_segment_bytes" yaml:"max_segment_bytes"`

	// FlushRows triggers a flush once a tenant has this many buffered rows
	FlushRows int `json:"flush_rows" yaml:"flush_rows"`

	// FlushBytes triggers a flush once a tenant's buffered payload reaches this size
	FlushBytes int64 `json:"flush_bytes" yaml:"flush_bytes"`

	// MaxDelay bounds how long an entry may stay buffered before a
	// force-flush regardless of size thresholds
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// CommitConfig holds table committer configuration.
type CommitConfig struct {
	// WorkDir is the scratch directory for segment builds
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// MaxRetries bounds optimistic-concurrency retry attempts
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBackoff is the base backoff between conflict retries
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// QueryConfig holds query provider configuration.
type QueryConfig struct {
	// ScratchDir is the directory segment downloads are cached in
	ScratchDir string `json:"scratch_dir" yaml:"scratch_dir"`

	// Concurrency is the number of parallel segment scans
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// CacheBytes bounds the local segment cache; 0 disables it and scans
	// fall back to per-query scratch downloads
	CacheBytes int64 `json:"cache_bytes" yaml:"cache_bytes"`
}

// MaintenanceConfig holds background scheduler configuration.
type MaintenanceConfig struct {
	// FlushInterval is the cadence of the stale-buffer force flush
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// CompactInterval is the cadence of the small-segment compaction check
	CompactInterval time.Duration `json:"compact_interval" yaml:"compact_interval"`

	// VacuumInterval is the cadence of unreferenced-object cleanup
	VacuumInterval time.Duration `json:"vacuum_interval" yaml:"vacuum_interval"`

	// CompactMinSegments is the live small-segment count that triggers compaction
	CompactMinSegments int `json:"compact_min_segments" yaml:"compact_min_segments"`

	// CompactMaxSegmentSize is the size below which a segment counts as small
	CompactMaxSegmentSize int64 `json:"compact_max_segment_size" yaml:"compact_max_segment_size"`

	// TombstoneRetention is how long superseded segments stay before vacuum
	TombstoneRetention time.Duration `json:"tombstone_retention" yaml:"tombstone_retention"`

	// RetentionDays is the data retention horizon in days (0 disables)
	RetentionDays int `json:"retention_days" yaml:"retention_days"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// TablePrefix is the object key prefix tenant tables live under
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name. Required when storage type is s3.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// AccessKeyID and SecretAccessKey are optional static credentials for
	// environments without ambient AWS credentials
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultEndpoint is assumed when no S3 endpoint is configured.
const DefaultEndpoint = "https://s3.amazonaws.com"

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/skylark",
		HTTP: HTTPConfig{
			AdminAddr:    ":80",
			WireAddr:     ":5432",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Queue: QueueConfig{
			Dir:             "",
			MaxBytes:        1 << 30, // 1GB local durability budget
			MaxSegmentBytes: 64 << 20,
			FlushRows:       10000,
			FlushBytes:      16 << 20,
			MaxDelay:        30 * time.Second,
		},
		Commit: CommitConfig{
			WorkDir:      "",
			MaxRetries:   5,
			RetryBackoff: 100 * time.Millisecond,
		},
		Query: QueryConfig{
			ScratchDir:  "",
			Concurrency: 8,
			CacheBytes:  4 << 30,
		},
		Maintenance: MaintenanceConfig{
			FlushInterval:         10 * time.Second,
			CompactInterval:       5 * time.Minute,
			VacuumInterval:        time.Hour,
			CompactMinSegments:    8,
			CompactMaxSegmentSize: 8 << 20,
			TombstoneRetention:    24 * time.Hour,
			RetentionDays:         0,
		},
		Storage: StorageConfig{
			Type:        "local",
			Path:        "",
			TablePrefix: "skylark",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/skylark"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Storage.TablePrefix == "" {
		c.Storage.TablePrefix = "skylark"
	}
	if c.Queue.Dir == "" {
		c.Queue.Dir = filepath.Join(c.DataDir, "queue")
	}
	if c.Commit.WorkDir == "" {
		c.Commit.WorkDir = filepath.Join(c.DataDir, "segments")
	}
	if c.Query.ScratchDir == "" {
		c.Query.ScratchDir = filepath.Join(c.DataDir, "scratch")
	}
	if c.Storage.S3.Endpoint == "" {
		c.Storage.S3.Endpoint = DefaultEndpoint
	}
}

// CatalogPath returns the path to the local pruning catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// Validate validates the configuration. Configuration errors are fatal at
// startup only, never during steady-state operation.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeIngest, ModeQuery, ModeMaintain:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, ingest, query, or maintain)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3 (set AWS_S3_BUCKET)")
	}

	if c.Queue.MaxBytes <= 0 {
		return fmt.Errorf("queue.max_bytes must be positive, got %d", c.Queue.MaxBytes)
	}

	if c.Commit.MaxRetries < 1 {
		return fmt.Errorf("commit.max_retries must be at least 1, got %d", c.Commit.MaxRetries)
	}

	return nil
}

// ShouldRunIngest returns true if the ingest service should run.
func (c *Config) ShouldRunIngest() bool {
	return c.Mode == ModeAll || c.Mode == ModeIngest
}

// ShouldRunQuery returns true if the query provider should be exposed.
func (c *Config) ShouldRunQuery() bool {
	return c.Mode == ModeAll || c.Mode == ModeQuery
}

// ShouldRunMaintenance returns true if the maintenance scheduler should run.
func (c *Config) ShouldRunMaintenance() bool {
	return c.Mode == ModeAll || c.Mode == ModeMaintain
}

// LoadFromFile loads configuration from a YAML or JSON file.
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
// Engine-specific variables use the SKYLARK_ prefix; storage credentials and
// the admin PORT follow their conventional names.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SKYLARK_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("SKYLARK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Admin/health HTTP port
	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTP.AdminAddr = ":" + v
	}
	if v := os.Getenv("SKYLARK_PGWIRE_PORT"); v != "" {
		cfg.HTTP.WireAddr = ":" + v
	}

	// Queue configuration
	if v := os.Getenv("SKYLARK_QUEUE_DIR"); v != "" {
		cfg.Queue.Dir = v
	}
	if v := os.Getenv("SKYLARK_QUEUE_MAX_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Queue.MaxBytes)
	}
	if v := os.Getenv("SKYLARK_QUEUE_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.MaxDelay = d
		}
	}

	// Query configuration
	if v := os.Getenv("SKYLARK_QUERY_CACHE_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.CacheBytes)
	}

	// Maintenance configuration
	if v := os.Getenv("SKYLARK_COMPACT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Maintenance.CompactInterval = d
		}
	}
	if v := os.Getenv("SKYLARK_RETENTION_DAYS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Maintenance.RetentionDays)
	}

	// Storage configuration
	if v := os.Getenv("SKYLARK_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("SKYLARK_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SKYLARK_TABLE_PREFIX"); v != "" {
		cfg.Storage.TablePrefix = v
	}
	if v := os.Getenv("AWS_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
		// An explicit bucket implies remote storage unless overridden
		if os.Getenv("SKYLARK_STORAGE_TYPE") == "" {
			cfg.Storage.Type = "s3"
		}
	}
	if v := os.Getenv("AWS_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Queue.Dir,
		c.Commit.WorkDir,
		c.Query.ScratchDir,
	}
	if c.Storage.Type == "local" {
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
