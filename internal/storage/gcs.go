// Package storage: GCS engine, including >32-source compose chaining
// for multipart assembly.
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

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/partvault/partvault/internal/errs"
)

// maxComposeSources is the GCS limit on source objects per Compose call.
const maxComposeSources = 32

type gcsAPI interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
	Attrs(ctx context.Context, bucket, object string) (int64, error)
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) error
	ListObjects(ctx context.Context, bucket, prefix string, delimiter string) (names, prefixes []string, err error)
}

type realGCSClient struct{ client *gcs.Client }

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (int64, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) error {
	dst := c.client.Bucket(bucket).Object(dstObject)
	srcs := make([]*gcs.ObjectHandle, len(srcObjects))
	for i, name := range srcObjects {
		srcs[i] = c.client.Bucket(bucket).Object(name)
	}
	_, err := dst.ComposerFrom(srcs...).Run(ctx)
	return err
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix, delimiter string) ([]string, []string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix, Delimiter: delimiter})
	var names, prefixes []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if attrs.Prefix != "" {
			prefixes = append(prefixes, attrs.Prefix)
			continue
		}
		names = append(names, attrs.Name)
	}
	return names, prefixes, nil
}

// GCSEngine implements Engine against a Google Cloud Storage bucket.
type GCSEngine struct {
	bucket    string
	bulkSize  int
	maxChunks int
	retry     RetryConfig

	mu     sync.RWMutex
	client gcsAPI

	rebuildMu sync.Mutex

	downloadsMu sync.Mutex
	downloads   map[string]*gcsDownload

	uploadsMu sync.Mutex
	uploads   map[string]*gcsUpload
}

type gcsDownload struct {
	key    string
	cursor int64
	size   int64
}

type gcsUpload struct {
	key       string
	partNames []string
}

// NewGCSEngine builds a GCSEngine using Application Default Credentials.
func NewGCSEngine(ctx context.Context, bucket string, bulkSize, maxChunks int, retry RetryConfig) (*GCSEngine, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return &GCSEngine{
		bucket:    bucket,
		bulkSize:  bulkSize,
		maxChunks: maxChunks,
		retry:     retry,
		client:    &realGCSClient{client: client},
		downloads: make(map[string]*gcsDownload),
		uploads:   make(map[string]*gcsUpload),
	}, nil
}

// NewGCSEngineWithClient builds a GCSEngine around a pre-configured
// client, for tests.
func NewGCSEngineWithClient(bucket string, client gcsAPI, bulkSize, maxChunks int, retry RetryConfig) *GCSEngine {
	return &GCSEngine{
		bucket:    bucket,
		client:    client,
		bulkSize:  bulkSize,
		maxChunks: maxChunks,
		retry:     retry,
		downloads: make(map[string]*gcsDownload),
		uploads:   make(map[string]*gcsUpload),
	}
}

func (e *GCSEngine) rebuildClient(ctx context.Context) error {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.client = &realGCSClient{client: client}
	e.mu.Unlock()
	return nil
}

func (e *GCSEngine) activeClient() gcsAPI {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

func (e *GCSEngine) retryOp(op string) retryOp {
	return retryOp{
		cfg:           e.retry,
		op:            op,
		rebuildMu:     &e.rebuildMu,
		rebuilder:     e,
		isConnFailure: func(err error) bool { return isTransportFailure(err) && !isGCSNotFound(err) },
		isRebuildable: isTransportFailure,
	}
}

// MaxChunkCount returns the configured object-store part-count limit.
func (e *GCSEngine) MaxChunkCount() int { return e.maxChunks }

func (e *GCSEngine) partKey(uploadID string, partNumber int) string {
	return fmt.Sprintf(".parts/%s/%d", uploadID, partNumber)
}

// Put writes data to key in one request.
func (e *GCSEngine) Put(ctx context.Context, key string, data []byte) error {
	return e.retryOp("put").run(ctx, func(ctx context.Context) error {
		w := e.activeClient().NewWriter(ctx, e.bucket, key)
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
}

// Get reads the entire object at key.
func (e *GCSEngine) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := e.retryOp("get").run(ctx, func(ctx context.Context) error {
		r, err := e.activeClient().NewRangeReader(ctx, e.bucket, key, 0, -1)
		if err != nil {
			return err
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

// UploadFile streams localPath to key.
func (e *GCSEngine) UploadFile(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errs.NewStorageError("upload_file", key, err)
	}
	return e.Put(ctx, key, data)
}

// DownloadFile streams key to localPath.
func (e *GCSEngine) DownloadFile(ctx context.Context, key, localPath string) error {
	data, err := e.Get(ctx, key)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

// CreateMultipartUpload begins tracking parts for compose-based assembly.
func (e *GCSEngine) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	id := key + "#" + "upload"
	e.uploadsMu.Lock()
	e.uploads[id] = &gcsUpload{key: key}
	e.uploadsMu.Unlock()
	return id, nil
}

// UploadPart uploads part data as a temporary object named after the
// upload id and part number.
func (e *GCSEngine) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) error {
	pk := e.partKey(uploadID, partNumber)
	if err := e.Put(ctx, pk, data); err != nil {
		return err
	}
	e.uploadsMu.Lock()
	defer e.uploadsMu.Unlock()
	u, ok := e.uploads[uploadID]
	if !ok {
		return errs.NewStorageError("upload_part", key, fmt.Errorf("unknown upload id %s", uploadID))
	}
	u.partNames = append(u.partNames, pk)
	return nil
}

// CompleteMultipartUpload composes all staged parts into key, chaining
// compose calls in batches of 32 when there are more parts than GCS
// allows per call, then deletes the temporary part objects.
func (e *GCSEngine) CompleteMultipartUpload(ctx context.Context, key, uploadID string, partCount int) error {
	e.uploadsMu.Lock()
	u, ok := e.uploads[uploadID]
	e.uploadsMu.Unlock()
	if !ok {
		return errs.NewStorageError("complete_multipart_upload", key, fmt.Errorf("unknown upload id %s", uploadID))
	}

	intermediates, err := e.composeChain(ctx, u.partNames, key)
	defer func() {
		for _, name := range append(intermediates, u.partNames...) {
			_ = e.activeClient().Delete(ctx, e.bucket, name)
		}
		e.uploadsMu.Lock()
		delete(e.uploads, uploadID)
		e.uploadsMu.Unlock()
	}()
	return err
}

func (e *GCSEngine) composeChain(ctx context.Context, sources []string, finalName string) ([]string, error) {
	var intermediates []string
	current := sources
	gen := 0
	for len(current) > maxComposeSources {
		var next []string
		for i := 0; i < len(current); i += maxComposeSources {
			end := i + maxComposeSources
			if end > len(current) {
				end = len(current)
			}
			batch := current[i:end]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, gen, i)
			err := e.retryOp("compose").run(ctx, func(ctx context.Context) error {
				return e.activeClient().Compose(ctx, e.bucket, name, batch)
			})
			if err != nil {
				return intermediates, err
			}
			next = append(next, name)
			intermediates = append(intermediates, name)
		}
		current = next
		gen++
	}
	err := e.retryOp("compose").run(ctx, func(ctx context.Context) error {
		return e.activeClient().Compose(ctx, e.bucket, finalName, current)
	})
	return intermediates, err
}

// AbortMultipartUpload deletes any staged part objects.
func (e *GCSEngine) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	e.uploadsMu.Lock()
	u, ok := e.uploads[uploadID]
	delete(e.uploads, uploadID)
	e.uploadsMu.Unlock()
	if !ok {
		return nil
	}
	for _, name := range u.partNames {
		_ = e.activeClient().Delete(ctx, e.bucket, name)
	}
	return nil
}

// CreateMultipartDownload begins a ranged read of key.
func (e *GCSEngine) CreateMultipartDownload(ctx context.Context, key string) (string, error) {
	var size int64
	err := e.retryOp("attrs").run(ctx, func(ctx context.Context) error {
		s, err := e.activeClient().Attrs(ctx, e.bucket, key)
		if err != nil {
			return err
		}
		size = s
		return nil
	})
	if err != nil {
		return "", err
	}
	id := key + "#download"
	e.downloadsMu.Lock()
	e.downloads[id] = &gcsDownload{key: key, size: size}
	e.downloadsMu.Unlock()
	return id, nil
}

// DownloadPart reads up to maxBytes from downloadID's cursor.
func (e *GCSEngine) DownloadPart(ctx context.Context, downloadID string, maxBytes int) ([]byte, error) {
	e.downloadsMu.Lock()
	d, ok := e.downloads[downloadID]
	e.downloadsMu.Unlock()
	if !ok {
		return nil, errs.NewStorageError("download_part", "", fmt.Errorf("unknown download id %s", downloadID))
	}
	if d.cursor >= d.size {
		return nil, nil
	}
	length := int64(maxBytes)
	if d.cursor+length > d.size {
		length = d.size - d.cursor
	}

	var out []byte
	err := e.retryOp("download_part").run(ctx, func(ctx context.Context) error {
		r, err := e.activeClient().NewRangeReader(ctx, e.bucket, d.key, d.cursor, length)
		if err != nil {
			return err
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.cursor += int64(len(out))
	return out, nil
}

// CompleteMultipartDownload releases downloadID's cursor state.
func (e *GCSEngine) CompleteMultipartDownload(ctx context.Context, downloadID string) error {
	e.downloadsMu.Lock()
	delete(e.downloads, downloadID)
	e.downloadsMu.Unlock()
	return nil
}

// List returns object names under prefix.
func (e *GCSEngine) List(ctx context.Context, prefix string, recursive, absolute bool) ([]string, error) {
	delimiter := ""
	if !recursive {
		delimiter = "/"
	}
	var names, prefixes []string
	err := e.retryOp("list").run(ctx, func(ctx context.Context) error {
		n, p, err := e.activeClient().ListObjects(ctx, e.bucket, prefix, delimiter)
		if err != nil {
			return err
		}
		names, prefixes = n, p
		return nil
	})
	if err != nil {
		return nil, err
	}
	all := append(names, prefixes...)
	if absolute {
		return all, nil
	}
	rel := make([]string, len(all))
	for i, n := range all {
		rel[i] = strings.TrimPrefix(n, prefix)
	}
	return rel, nil
}

// Exists reports whether key is present.
func (e *GCSEngine) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := e.retryOp("exists").run(ctx, func(ctx context.Context) error {
		_, err := e.activeClient().Attrs(ctx, e.bucket, key)
		if err != nil {
			if isGCSNotFound(err) {
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

// Delete removes key, treating not-found as success.
func (e *GCSEngine) Delete(ctx context.Context, key string) error {
	return e.retryOp("delete").run(ctx, func(ctx context.Context) error {
		err := e.activeClient().Delete(ctx, e.bucket, key)
		if err != nil && isGCSNotFound(err) {
			return nil
		}
		return err
	})
}

// DeleteMany removes keys; GCS has no native bulk-delete API so each
// chunk boundary is only a batching unit for parallelism upstream.
func (e *GCSEngine) DeleteMany(ctx context.Context, keys []string) error {
	for _, chunk := range chunkKeys(keys, e.bulkSize) {
		for _, key := range chunk {
			if err := e.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// isGCSNotFound checks if a GCS error is a not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var _ Engine = (*GCSEngine)(nil)
