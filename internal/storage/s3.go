// Package storage: S3 engine, driving a backup's native key space
// directly rather than proxying a second S3-compatible surface.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/partvault/partvault/internal/errs"
)

// s3API is the subset of the AWS S3 client used by S3Engine, kept
// narrow so a test double can satisfy it without a real client.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Engine implements Engine against an Amazon S3 (or S3-compatible)
// bucket.
type S3Engine struct {
	bucket       string
	region       string
	endpointURL  string
	usePathStyle bool
	bulkSize     int
	maxChunks    int
	retry        RetryConfig

	mu     sync.RWMutex
	client s3API

	rebuildMu sync.Mutex

	downloadsMu sync.Mutex
	downloads   map[string]*s3Download

	uploadsMu sync.Mutex
	uploads   map[string]*s3Upload
}

type s3Download struct {
	key    string
	cursor int64
}

type s3Upload struct {
	key   string
	parts []types.CompletedPart
}

// NewS3Engine builds an S3Engine using the default AWS credential chain,
// with optional endpoint/path-style overrides for S3-compatible stores.
func NewS3Engine(ctx context.Context, bucket, region, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string, bulkSize, maxChunks int, retry RetryConfig) (*S3Engine, error) {
	e := &S3Engine{
		bucket:       bucket,
		region:       region,
		endpointURL:  endpointURL,
		usePathStyle: usePathStyle,
		bulkSize:     bulkSize,
		maxChunks:    maxChunks,
		retry:        retry,
		downloads:    make(map[string]*s3Download),
		uploads:      make(map[string]*s3Upload),
	}
	client, err := buildS3Client(ctx, region, endpointURL, usePathStyle, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, err
	}
	e.client = client
	return e, nil
}

// NewS3EngineWithClient builds an S3Engine around a pre-configured client,
// for tests.
func NewS3EngineWithClient(bucket string, client s3API, bulkSize, maxChunks int, retry RetryConfig) *S3Engine {
	return &S3Engine{
		bucket:    bucket,
		client:    client,
		bulkSize:  bulkSize,
		maxChunks: maxChunks,
		retry:     retry,
		downloads: make(map[string]*s3Download),
		uploads:   make(map[string]*s3Upload),
	}
}

func buildS3Client(ctx context.Context, region, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (s3API, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if endpointURL != "" {
		opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpointURL) })
	}
	if usePathStyle {
		opts = append(opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	return s3.NewFromConfig(cfg, opts...), nil
}

func (e *S3Engine) rebuildClient(ctx context.Context) error {
	client, err := buildS3Client(ctx, e.region, e.endpointURL, e.usePathStyle, "", "")
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
	return nil
}

func (e *S3Engine) activeClient() s3API {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

func (e *S3Engine) retryOp(op string) retryOp {
	return retryOp{
		cfg:           e.retry,
		op:            op,
		rebuildMu:     &e.rebuildMu,
		rebuilder:     e,
		isConnFailure: func(err error) bool { return isTransportFailure(err) && !isS3NotFound(err) },
		isRebuildable: isTransportFailure,
	}
}

// MaxChunkCount returns the configured object-store part-count limit.
func (e *S3Engine) MaxChunkCount() int { return e.maxChunks }

// Put writes data to key in one request.
func (e *S3Engine) Put(ctx context.Context, key string, data []byte) error {
	return e.retryOp("put").run(ctx, func(ctx context.Context) error {
		_, err := e.activeClient().PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(e.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
}

// Get reads the entire object at key.
func (e *S3Engine) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := e.retryOp("get").run(ctx, func(ctx context.Context) error {
		resp, err := e.activeClient().GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(e.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

// UploadFile streams localPath to key.
func (e *S3Engine) UploadFile(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errs.NewStorageError("upload_file", key, err)
	}
	return e.Put(ctx, key, data)
}

// DownloadFile streams key to localPath.
func (e *S3Engine) DownloadFile(ctx context.Context, key, localPath string) error {
	data, err := e.Get(ctx, key)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

// CreateMultipartUpload begins a native S3 multipart upload.
func (e *S3Engine) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	var uploadID string
	err := e.retryOp("create_multipart_upload").run(ctx, func(ctx context.Context) error {
		resp, err := e.activeClient().CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(e.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		uploadID = aws.ToString(resp.UploadId)
		return nil
	})
	if err != nil {
		return "", err
	}
	e.uploadsMu.Lock()
	e.uploads[uploadID] = &s3Upload{key: key}
	e.uploadsMu.Unlock()
	return uploadID, nil
}

// UploadPart uploads part number partNumber of uploadID.
func (e *S3Engine) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) error {
	var etag string
	err := e.retryOp("upload_part").run(ctx, func(ctx context.Context) error {
		resp, err := e.activeClient().UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(e.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(partNumber)),
			Body:       bytes.NewReader(data),
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(resp.ETag)
		return nil
	})
	if err != nil {
		return err
	}
	e.uploadsMu.Lock()
	defer e.uploadsMu.Unlock()
	u, ok := e.uploads[uploadID]
	if !ok {
		return errs.NewStorageError("upload_part", key, fmt.Errorf("unknown upload id %s", uploadID))
	}
	u.parts = append(u.parts, types.CompletedPart{ETag: aws.String(etag), PartNumber: aws.Int32(int32(partNumber))})
	return nil
}

// CompleteMultipartUpload finalizes the upload.
func (e *S3Engine) CompleteMultipartUpload(ctx context.Context, key, uploadID string, partCount int) error {
	e.uploadsMu.Lock()
	u, ok := e.uploads[uploadID]
	e.uploadsMu.Unlock()
	if !ok {
		return errs.NewStorageError("complete_multipart_upload", key, fmt.Errorf("unknown upload id %s", uploadID))
	}

	err := e.retryOp("complete_multipart_upload").run(ctx, func(ctx context.Context) error {
		_, err := e.activeClient().CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(e.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: u.parts},
		})
		return err
	})
	e.uploadsMu.Lock()
	delete(e.uploads, uploadID)
	e.uploadsMu.Unlock()
	return err
}

// AbortMultipartUpload discards an in-progress upload, best-effort.
func (e *S3Engine) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	e.uploadsMu.Lock()
	delete(e.uploads, uploadID)
	e.uploadsMu.Unlock()
	return e.retryOp("abort_multipart_upload").run(ctx, func(ctx context.Context) error {
		_, err := e.activeClient().AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(e.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		return err
	})
}

// CreateMultipartDownload begins a ranged read of key.
func (e *S3Engine) CreateMultipartDownload(ctx context.Context, key string) (string, error) {
	exists, err := e.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errs.NewStorageError("create_multipart_download", key, fmt.Errorf("object not found"))
	}
	id := key + "#download"
	e.downloadsMu.Lock()
	e.downloads[id] = &s3Download{key: key}
	e.downloadsMu.Unlock()
	return id, nil
}

// DownloadPart reads up to maxBytes from downloadID's cursor.
func (e *S3Engine) DownloadPart(ctx context.Context, downloadID string, maxBytes int) ([]byte, error) {
	e.downloadsMu.Lock()
	d, ok := e.downloads[downloadID]
	e.downloadsMu.Unlock()
	if !ok {
		return nil, errs.NewStorageError("download_part", "", fmt.Errorf("unknown download id %s", downloadID))
	}

	rangeHeader := fmt.Sprintf("bytes=%d-%d", d.cursor, d.cursor+int64(maxBytes)-1)
	var out []byte
	var eof bool
	err := e.retryOp("download_part").run(ctx, func(ctx context.Context) error {
		resp, err := e.activeClient().GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(e.bucket),
			Key:    aws.String(d.key),
			Range:  aws.String(rangeHeader),
		})
		if err != nil {
			if isS3InvalidRange(err) {
				eof = true
				return nil
			}
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	if eof || len(out) == 0 {
		return nil, nil
	}
	d.cursor += int64(len(out))
	return out, nil
}

// CompleteMultipartDownload releases downloadID's cursor state.
func (e *S3Engine) CompleteMultipartDownload(ctx context.Context, downloadID string) error {
	e.downloadsMu.Lock()
	delete(e.downloads, downloadID)
	e.downloadsMu.Unlock()
	return nil
}

// List returns object names under prefix.
func (e *S3Engine) List(ctx context.Context, prefix string, recursive, absolute bool) ([]string, error) {
	var names []string
	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            aws.String(e.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		}
		if !recursive {
			input.Delimiter = aws.String("/")
		}
		var resp *s3.ListObjectsV2Output
		err := e.retryOp("list").run(ctx, func(ctx context.Context) error {
			r, err := e.activeClient().ListObjectsV2(ctx, input)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range resp.Contents {
			name := aws.ToString(obj.Key)
			if !absolute {
				name = strings.TrimPrefix(name, prefix)
			}
			names = append(names, name)
		}
		for _, cp := range resp.CommonPrefixes {
			name := aws.ToString(cp.Prefix)
			if !absolute {
				name = strings.TrimPrefix(name, prefix)
			}
			names = append(names, name)
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		continuationToken = resp.NextContinuationToken
	}
	return names, nil
}

// Exists reports whether key is present.
func (e *S3Engine) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := e.retryOp("exists").run(ctx, func(ctx context.Context) error {
		_, err := e.activeClient().HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(e.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isS3NotFound(err) {
				exists = false
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// Delete removes key. Idempotent: S3 DeleteObject does not error on
// missing keys.
func (e *S3Engine) Delete(ctx context.Context, key string) error {
	return e.retryOp("delete").run(ctx, func(ctx context.Context) error {
		_, err := e.activeClient().DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(e.bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// DeleteMany removes keys in chunks of the configured bulk size, falling
// back to per-key delete if a bulk request is rejected.
func (e *S3Engine) DeleteMany(ctx context.Context, keys []string) error {
	for _, chunk := range chunkKeys(keys, e.bulkSize) {
		if err := e.deleteChunk(ctx, chunk); err != nil {
			for _, key := range chunk {
				if delErr := e.Delete(ctx, key); delErr != nil {
					return delErr
				}
			}
		}
	}
	return nil
}

func (e *S3Engine) deleteChunk(ctx context.Context, keys []string) error {
	objects := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}
	return e.retryOp("delete_many").run(ctx, func(ctx context.Context) error {
		_, err := e.activeClient().DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(e.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		return err
	})
}

// isS3NotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

func isS3InvalidRange(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidRange"
	}
	return false
}

var _ Engine = (*S3Engine)(nil)
