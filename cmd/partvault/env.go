package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/partvault/partvault/internal/compress"
	"github.com/partvault/partvault/internal/config"
	"github.com/partvault/partvault/internal/crypto"
	"github.com/partvault/partvault/internal/dbcontrol"
	"github.com/partvault/partvault/internal/layout"
	"github.com/partvault/partvault/internal/lock"
	"github.com/partvault/partvault/internal/logging"
	"github.com/partvault/partvault/internal/manager"
	"github.com/partvault/partvault/internal/metrics"
	"github.com/partvault/partvault/internal/pipeline"
	"github.com/partvault/partvault/internal/ratelimit"
	"github.com/partvault/partvault/internal/restorectx"
	"github.com/partvault/partvault/internal/storage"
)

// environment wires every ambient and domain component the CLI commands
// share, built once per invocation from the loaded Config: storage
// engine, cryptor, compressor, locks, coordinator, and restore context.
type environment struct {
	cfg        *config.Config
	manager    *manager.Manager
	restoreCtx *restorectx.Context

	localLock       lock.Locker
	distributedLock lock.Locker
}

func buildEnvironment(ctx context.Context, configPath string) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	engine, err := buildStorageEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cryptor, err := buildCryptor(cfg)
	if err != nil {
		return nil, err
	}
	newCompress := buildCompressorFactory(cfg)

	var bucket *ratelimit.TokenBucket
	if cfg.RateLimit.LimitPerSecond > 0 {
		bucket = ratelimit.New(cfg.RateLimit.LimitPerSecond)
	}

	pool := pipeline.NewPool(ctx)
	ld := layout.New(pool, engine, cryptor, newCompress, bucket, cfg.Storage.PathRoot,
		int(cfg.Storage.ChunkSize), cfg.Storage.MaxChunkCount, cfg.RateLimit.RetryInterval, cfg.Storage.TarballParts)

	restoreCtx, err := restorectx.Open(cfg.Observability.RestoreDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening restore context: %w", err)
	}

	localLock, err := buildLocalLock(cfg)
	if err != nil {
		restoreCtx.Close()
		return nil, err
	}
	distributedLock, coordinator, err := buildDistributedLock(ctx, cfg)
	if err != nil {
		restoreCtx.Close()
		return nil, err
	}

	hostname, _ := os.Hostname()
	control := dbcontrol.NewFakeControl()

	mgr := manager.New(ld, control, coordinator, restoreCtx, hostname, manager.Config{
		MinInterval:              0,
		UpdateMetadataInterval:   cfg.Pipeline.UpdateMetadataInterval,
		DeduplicateParts:         true,
		DedupAgeLimit:            cfg.Dedup.AgeLimit,
		RestoreFailOnAttachError: false,
		CleanCoordinatorMetadata: coordinator != nil,
		RetainTime:               cfg.Retention.RetainTime,
		RetainCount:              cfg.Retention.RetainCount,
	})

	return &environment{
		cfg:             cfg,
		manager:         mgr,
		restoreCtx:      restoreCtx,
		localLock:       localLock,
		distributedLock: distributedLock,
	}, nil
}

func (e *environment) Close() {
	if e.restoreCtx != nil {
		e.restoreCtx.Close()
	}
}

func buildStorageEngine(ctx context.Context, cfg *config.Config) (storage.Engine, error) {
	retry := storage.RetryConfig{
		MaxAttempts:    cfg.Storage.MaxAttempts,
		MaxInterval:    cfg.Storage.MaxInterval,
		InitialBackoff: storage.DefaultRetryConfig().InitialBackoff,
	}
	switch cfg.Storage.Type {
	case "s3":
		s3cfg := cfg.Storage.S3
		return storage.NewS3Engine(ctx, s3cfg.Bucket, s3cfg.Region, s3cfg.EndpointURL, s3cfg.UsePathStyle,
			s3cfg.AccessKeyID, s3cfg.SecretAccessKey, cfg.Storage.BulkDeleteSize, cfg.Storage.MaxChunkCount, retry)
	case "gcs":
		gcscfg := cfg.Storage.GCS
		return storage.NewGCSEngine(ctx, gcscfg.Bucket, cfg.Storage.BulkDeleteSize, cfg.Storage.MaxChunkCount, retry)
	case "azure":
		azcfg := cfg.Storage.Azure
		return storage.NewAzureEngine(azcfg.Container, azcfg.AccountURL, azcfg.ConnectionString,
			azcfg.ConnectionString == "", cfg.Storage.BulkDeleteSize, cfg.Storage.MaxChunkCount, retry)
	default:
		return nil, fmt.Errorf("unknown storage.type %q", cfg.Storage.Type)
	}
}

func buildCryptor(cfg *config.Config) (crypto.Cryptor, error) {
	switch cfg.Encryption.Type {
	case "nacl":
		raw, err := hex.DecodeString(cfg.Encryption.KeyHex)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("encryption.key must be 32 hex-encoded bytes")
		}
		var key [32]byte
		copy(key[:], raw)
		return crypto.NewNaClCryptor(key), nil
	case "none", "":
		return crypto.NoopCryptor{}, nil
	default:
		return nil, fmt.Errorf("unknown encryption.type %q", cfg.Encryption.Type)
	}
}

func buildCompressorFactory(cfg *config.Config) layout.CompressorFactory {
	switch cfg.Compression.Type {
	case "zstd":
		level := cfg.Compression.Level
		return func() compress.Compressor { return compress.NewZstdCompressor(level) }
	case "gzip":
		level := cfg.Compression.Level
		return func() compress.Compressor { return compress.NewGzipCompressor(level) }
	default:
		return func() compress.Compressor { return compress.NoneCompressor{} }
	}
}

func buildLocalLock(cfg *config.Config) (lock.Locker, error) {
	if !cfg.Lock.Flock.Enabled {
		return nil, nil
	}
	return lock.NewFlockLock(cfg.Lock.Flock.Path), nil
}

func buildDistributedLock(ctx context.Context, cfg *config.Config) (lock.Locker, dbcontrol.Coordinator, error) {
	dl := cfg.Lock.Distributed
	if !dl.Enabled || dl.Backend == "" {
		return nil, nil, nil
	}

	switch dl.Backend {
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   dl.Etcd.Endpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to etcd: %w", err)
		}
		return lock.NewEtcdLock(client, dl.Key, "backup", int(dl.TTL.Seconds())),
			dbcontrol.NewEtcdCoordinator(client, dl.Key), nil
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(dl.DynamoDB.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		return lock.NewDynamoDBLock(client, dl.DynamoDB.Table, dl.Key, dl.TTL), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock.distributed.backend %q", dl.Backend)
	}
}
