package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	gcs "cloud.google.com/go/storage"
)

// fakeGCSClient is an in-memory gcsAPI double mirroring fakeS3Client's
// shape, specialized to GCS's writer/reader/compose API surface.
type fakeGCSClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeGCSClient() *fakeGCSClient {
	return &fakeGCSClient{objects: make(map[string][]byte)}
}

type fakeGCSWriter struct {
	client *fakeGCSClient
	object string
	buf    bytes.Buffer
}

func (w *fakeGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeGCSWriter) Close() error {
	w.client.mu.Lock()
	w.client.objects[w.object] = w.buf.Bytes()
	w.client.mu.Unlock()
	return nil
}

func (c *fakeGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return &fakeGCSWriter{client: c, object: object}
}

func (c *fakeGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	c.mu.Lock()
	data, ok := c.objects[object]
	c.mu.Unlock()
	if !ok {
		return nil, errObjectNotExist
	}
	if length < 0 {
		return io.NopCloser(bytes.NewReader(data[offset:])), nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

func (c *fakeGCSClient) Delete(ctx context.Context, bucket, object string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[object]; !ok {
		return errObjectNotExist
	}
	delete(c.objects, object)
	return nil
}

func (c *fakeGCSClient) Attrs(ctx context.Context, bucket, object string) (int64, error) {
	c.mu.Lock()
	data, ok := c.objects[object]
	c.mu.Unlock()
	if !ok {
		return 0, errObjectNotExist
	}
	return int64(len(data)), nil
}

func (c *fakeGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var full []byte
	for _, src := range srcObjects {
		full = append(full, c.objects[src]...)
	}
	c.objects[dstObject] = full
	return nil
}

func (c *fakeGCSClient) ListObjects(ctx context.Context, bucket, prefix, delimiter string) ([]string, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	prefixSet := make(map[string]bool)
	for k := range c.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if delimiter != "" && strings.Contains(rest, delimiter) {
			idx := strings.Index(rest, delimiter)
			prefixSet[prefix+rest[:idx+len(delimiter)]] = true
			continue
		}
		names = append(names, k)
	}
	var prefixes []string
	for p := range prefixSet {
		prefixes = append(prefixes, p)
	}
	return names, prefixes, nil
}

var errObjectNotExist = gcs.ErrObjectNotExist

func newTestGCSEngine(client *fakeGCSClient) *GCSEngine {
	return NewGCSEngineWithClient("test-bucket", client, 1000, 10000, RetryConfig{MaxAttempts: 1, InitialBackoff: 0})
}

func TestGCSEnginePutAndGetRoundTrip(t *testing.T) {
	e := newTestGCSEngine(newFakeGCSClient())
	ctx := context.Background()

	if err := e.Put(ctx, "foo", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := e.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}
}

func TestGCSEngineExistsAndDelete(t *testing.T) {
	e := newTestGCSEngine(newFakeGCSClient())
	ctx := context.Background()
	_ = e.Put(ctx, "k", []byte("v"))

	exists, err := e.Exists(ctx, "k")
	if err != nil || !exists {
		t.Fatalf("expected k to exist, got %v, %v", exists, err)
	}
	if err := e.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, err = e.Exists(ctx, "k")
	if err != nil || exists {
		t.Fatalf("expected k to be gone, got %v, %v", exists, err)
	}
}

func TestGCSEngineDeleteManyRemovesAllKeys(t *testing.T) {
	e := newTestGCSEngine(newFakeGCSClient())
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_ = e.Put(ctx, k, []byte("x"))
	}
	if err := e.DeleteMany(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		exists, _ := e.Exists(ctx, k)
		if exists {
			t.Fatalf("expected %q deleted", k)
		}
	}
}

func TestGCSEngineListNonRecursiveCollapsesToCommonPrefixes(t *testing.T) {
	e := newTestGCSEngine(newFakeGCSClient())
	ctx := context.Background()
	_ = e.Put(ctx, "root/backup1/meta.json", []byte("1"))
	_ = e.Put(ctx, "root/backup2/meta.json", []byte("1"))

	names, err := e.List(ctx, "root/", false, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "backup1/" || names[1] != "backup2/" {
		t.Fatalf("expected top-level backup prefixes, got %v", names)
	}
}

func TestGCSEngineMultipartUploadRoundTrip(t *testing.T) {
	e := newTestGCSEngine(newFakeGCSClient())
	ctx := context.Background()

	uploadID, err := e.CreateMultipartUpload(ctx, "part-key")
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	if err := e.UploadPart(ctx, "part-key", uploadID, 1, []byte("hello ")); err != nil {
		t.Fatalf("UploadPart 1: %v", err)
	}
	if err := e.UploadPart(ctx, "part-key", uploadID, 2, []byte("world")); err != nil {
		t.Fatalf("UploadPart 2: %v", err)
	}
	if err := e.CompleteMultipartUpload(ctx, "part-key", uploadID, 2); err != nil {
		t.Fatalf("CompleteMultipartUpload: %v", err)
	}

	data, err := e.Get(ctx, "part-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("expected assembled parts %q, got %q", "hello world", data)
	}
}

func TestGCSEngineComposeChainHandlesMoreThan32Parts(t *testing.T) {
	e := newTestGCSEngine(newFakeGCSClient())
	ctx := context.Background()

	uploadID, err := e.CreateMultipartUpload(ctx, "big-key")
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	const parts = 40
	var want bytes.Buffer
	for i := 1; i <= parts; i++ {
		data := []byte(fmt.Sprintf("%02d", i))
		want.Write(data)
		if err := e.UploadPart(ctx, "big-key", uploadID, i, data); err != nil {
			t.Fatalf("UploadPart %d: %v", i, err)
		}
	}
	if err := e.CompleteMultipartUpload(ctx, "big-key", uploadID, parts); err != nil {
		t.Fatalf("CompleteMultipartUpload: %v", err)
	}

	data, err := e.Get(ctx, "big-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != want.String() {
		t.Fatalf("expected composed data %q, got %q", want.String(), data)
	}
}

func TestGCSEngineMultipartDownloadReadsUntilEOF(t *testing.T) {
	e := newTestGCSEngine(newFakeGCSClient())
	ctx := context.Background()
	_ = e.Put(ctx, "dl-key", bytes.Repeat([]byte("a"), 10))

	id, err := e.CreateMultipartDownload(ctx, "dl-key")
	if err != nil {
		t.Fatalf("CreateMultipartDownload: %v", err)
	}
	defer e.CompleteMultipartDownload(ctx, id)

	var total []byte
	for {
		chunk, err := e.DownloadPart(ctx, id, 4)
		if err != nil {
			t.Fatalf("DownloadPart: %v", err)
		}
		if chunk == nil {
			break
		}
		total = append(total, chunk...)
	}
	if len(total) != 10 {
		t.Fatalf("expected 10 bytes read across chunks, got %d", len(total))
	}
}
