// Package config handles loading and parsing of the backup engine's
// configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/partvault/partvault/internal/errs"
)

// Config is the top-level configuration for the backup engine.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Encryption    EncryptionConfig    `yaml:"encryption"`
	Compression   CompressionConfig   `yaml:"compression"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Retention     RetentionConfig     `yaml:"retention"`
	Dedup         DedupConfig         `yaml:"deduplication"`
	Lock          LockConfig          `yaml:"lock"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig selects and configures the remote object-store engine.
type StorageConfig struct {
	// Type selects the storage engine: "s3", "gcs", or "azure".
	Type string `yaml:"type"`
	// PathRoot is the key prefix under which all backups are stored.
	PathRoot string `yaml:"path_root"`
	// ChunkSize is the size in bytes of each pipeline chunk / multipart part.
	ChunkSize int64 `yaml:"chunk_size"`
	// MaxChunkCount is the object store's maximum number of multipart parts.
	MaxChunkCount int `yaml:"max_chunk_count"`
	// BulkDeleteSize is the number of keys per bulk-delete request.
	BulkDeleteSize int `yaml:"bulk_delete_size"`
	// MaxAttempts bounds the storage engine's retry loop on transient errors.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxInterval caps the exponential-backoff sleep between retries.
	MaxInterval time.Duration `yaml:"max_interval"`
	// ConnectTimeout and ReadTimeout are parsed and defaulted, but no
	// storage engine is built with them: storage requests carry no
	// connect or read timeout from this configuration.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	// ProxyURL is parsed, but no storage engine is built with it: storage
	// requests do not go through a configured proxy.
	ProxyURL string `yaml:"proxy_url"`
	// TarballParts, if true, stores each data part as a single tar
	// archive object instead of one object per file. Existing backups
	// written with this off are still read correctly: the per-file
	// download/check path is selected per part from its own metadata,
	// not from this setting.
	TarballParts bool `yaml:"tarball_parts"`

	S3    S3Config    `yaml:"s3"`
	GCS   GCSConfig   `yaml:"gcs"`
	Azure AzureConfig `yaml:"azure"`
}

// S3Config holds the S3 storage engine's settings.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCSConfig holds the Google Cloud Storage engine's settings.
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds the Azure Blob Storage engine's settings.
type AzureConfig struct {
	Container        string `yaml:"container"`
	Account          string `yaml:"account"`
	AccountURL       string `yaml:"account_url"`
	ConnectionString string `yaml:"connection_string"`
}

// EncryptionConfig configures the Cryptor.
type EncryptionConfig struct {
	// Type selects the cryptor: "nacl" or "none".
	Type string `yaml:"type"`
	// KeyHex is the hex-encoded 32-byte symmetric key.
	KeyHex string `yaml:"key"`
}

// CompressionConfig configures the Compressor.
type CompressionConfig struct {
	// Type selects the compressor: "zstd", "gzip", or "none".
	Type  string `yaml:"type"`
	Level int    `yaml:"level"`
}

// RateLimitConfig configures the upload token bucket.
type RateLimitConfig struct {
	// LimitPerSecond is the token bucket's bytes/second capacity. Zero
	// disables rate limiting.
	LimitPerSecond int64         `yaml:"limit_per_second"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// PipelineConfig configures the pipeline runtime.
type PipelineConfig struct {
	QueueSize              int           `yaml:"queue_size"`
	UploadWorkers          int           `yaml:"upload_workers"`
	PoolSize               int           `yaml:"pool_size"`
	UpdateMetadataInterval time.Duration `yaml:"update_metadata_interval"`
}

// RetentionConfig configures purge policy.
type RetentionConfig struct {
	RetainTime  time.Duration `yaml:"retain_time"`
	RetainCount int           `yaml:"retain_count"`
}

// DedupConfig configures deduplication candidate selection.
type DedupConfig struct {
	AgeLimit time.Duration `yaml:"age_limit"`
}

// LockConfig configures the local and distributed coordination locks.
type LockConfig struct {
	Flock       FlockConfig           `yaml:"flock"`
	Distributed DistributedLockConfig `yaml:"distributed"`
}

// FlockConfig configures the local advisory lock.
type FlockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DistributedLockConfig configures the cross-replica coordination lock.
type DistributedLockConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend selects the distributed lock implementation: "etcd" or
	// "dynamodb". Empty disables distributed locking even if Enabled is
	// true (matches "distributed lock is skipped when the coordinator is
	// not configured").
	Backend string        `yaml:"backend"`
	Key     string        `yaml:"key"`
	TTL     time.Duration `yaml:"ttl"`

	Etcd     EtcdLockConfig     `yaml:"etcd"`
	DynamoDB DynamoDBLockConfig `yaml:"dynamodb"`
}

// EtcdLockConfig holds etcd client settings for the distributed lock and
// coordinator adapter.
type EtcdLockConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

// DynamoDBLockConfig holds settings for the DynamoDB-table-backed
// distributed lock.
type DynamoDBLockConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig holds settings for metrics and restore-context
// persistence.
type ObservabilityConfig struct {
	Metrics       bool   `yaml:"metrics"`
	MetricsAddr   string `yaml:"metrics_addr"`
	RestoreDBPath string `yaml:"restore_db_path"`
}

// Load reads a YAML configuration file from path, rejects unknown
// top-level keys, applies defaults, and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := checkUnknownKeys(raw); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var knownTopLevelKeys = map[string]bool{
	"storage": true, "encryption": true, "compression": true,
	"rate_limit": true, "pipeline": true, "retention": true,
	"deduplication": true, "lock": true, "logging": true,
	"observability": true,
}

func checkUnknownKeys(raw map[string]any) error {
	for k := range raw {
		if !knownTopLevelKeys[k] {
			return errs.NewConfigurationError(k, "unknown configuration key")
		}
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Type:           "s3",
			ChunkSize:      8 * 1024 * 1024,
			MaxChunkCount:  10000,
			BulkDeleteSize: 1000,
			MaxAttempts:    5,
			MaxInterval:    30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    5 * time.Minute,
		},
		Encryption: EncryptionConfig{Type: "nacl"},
		Compression: CompressionConfig{
			Type:  "zstd",
			Level: 3,
		},
		RateLimit: RateLimitConfig{
			RetryInterval: 100 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			QueueSize:              16,
			UploadWorkers:          4,
			PoolSize:               8,
			UpdateMetadataInterval: 30 * time.Second,
		},
		Retention: RetentionConfig{
			RetainCount: 7,
			RetainTime:  7 * 24 * time.Hour,
		},
		Lock: LockConfig{
			Flock: FlockConfig{Enabled: true, Path: "/var/run/partvault.lock"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Observability: ObservabilityConfig{
			Metrics:       true,
			MetricsAddr:   ":9181",
			RestoreDBPath: "./data/restore_context.db",
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "s3"
	}
	if cfg.Storage.ChunkSize == 0 {
		cfg.Storage.ChunkSize = 8 * 1024 * 1024
	}
	if cfg.Storage.MaxChunkCount == 0 {
		cfg.Storage.MaxChunkCount = 10000
	}
	if cfg.Storage.BulkDeleteSize == 0 {
		cfg.Storage.BulkDeleteSize = 1000
	}
	if cfg.Storage.MaxAttempts == 0 {
		cfg.Storage.MaxAttempts = 5
	}
	if cfg.Encryption.Type == "" {
		cfg.Encryption.Type = "nacl"
	}
	if cfg.Compression.Type == "" {
		cfg.Compression.Type = "zstd"
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 16
	}
	if cfg.Pipeline.UploadWorkers == 0 {
		cfg.Pipeline.UploadWorkers = 4
	}
	if cfg.Pipeline.PoolSize == 0 {
		cfg.Pipeline.PoolSize = 8
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return errs.NewConfigurationError("storage.s3.bucket", "required when storage.type is s3")
		}
	case "gcs":
		if cfg.Storage.GCS.Bucket == "" {
			return errs.NewConfigurationError("storage.gcs.bucket", "required when storage.type is gcs")
		}
	case "azure":
		if cfg.Storage.Azure.Container == "" {
			return errs.NewConfigurationError("storage.azure.container", "required when storage.type is azure")
		}
	default:
		return errs.NewConfigurationError("storage.type", "must be one of s3, gcs, azure")
	}
	if cfg.Storage.PathRoot == "" {
		return errs.NewConfigurationError("storage.path_root", "required")
	}
	if cfg.Encryption.Type == "nacl" && cfg.Encryption.KeyHex == "" {
		return errs.NewConfigurationError("encryption.key", "required when encryption.type is nacl")
	}
	if cfg.Lock.Distributed.Enabled && cfg.Lock.Distributed.Backend != "" {
		switch cfg.Lock.Distributed.Backend {
		case "etcd", "dynamodb":
		default:
			return errs.NewConfigurationError("lock.distributed.backend", "must be one of etcd, dynamodb")
		}
	}
	return nil
}
