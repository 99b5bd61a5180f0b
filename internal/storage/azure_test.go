package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeAzureClient is an in-memory azureAPI double: committed blobs plus a
// separate staged-block area keyed by blob name, mirroring block-blob
// staging semantics (StageBlock doesn't mutate the blob until
// CommitBlockList runs).
type fakeAzureClient struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	blocks map[string]map[string][]byte // blob -> blockID -> data
}

func newFakeAzureClient() *fakeAzureClient {
	return &fakeAzureClient{
		blobs:  make(map[string][]byte),
		blocks: make(map[string]map[string][]byte),
	}
}

var errBlobNotFound = fmt.Errorf("BlobNotFound: the specified blob does not exist")

func (c *fakeAzureClient) UploadBlob(ctx context.Context, container, blob string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[blob] = append([]byte(nil), data...)
	return nil
}

func (c *fakeAzureClient) DownloadRange(ctx context.Context, container, blob string, offset, length int64) ([]byte, error) {
	c.mu.Lock()
	data, ok := c.blobs[blob]
	c.mu.Unlock()
	if !ok {
		return nil, errBlobNotFound
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	if length < 0 {
		return data[offset:], nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (c *fakeAzureClient) DeleteBlob(ctx context.Context, container, blob string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blobs[blob]; !ok {
		return errBlobNotFound
	}
	delete(c.blobs, blob)
	return nil
}

func (c *fakeAzureClient) BlobExists(ctx context.Context, container, blob string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blobs[blob]
	return ok, nil
}

func (c *fakeAzureClient) GetBlobSize(ctx context.Context, container, blob string) (int64, error) {
	c.mu.Lock()
	data, ok := c.blobs[blob]
	c.mu.Unlock()
	if !ok {
		return 0, errBlobNotFound
	}
	return int64(len(data)), nil
}

func (c *fakeAzureClient) StageBlock(ctx context.Context, container, blob, blockID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocks[blob] == nil {
		c.blocks[blob] = make(map[string][]byte)
	}
	c.blocks[blob][blockID] = append([]byte(nil), data...)
	return nil
}

func (c *fakeAzureClient) CommitBlockList(ctx context.Context, container, blob string, blockIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	staged := c.blocks[blob]
	var full []byte
	for _, id := range blockIDs {
		full = append(full, staged[id]...)
	}
	c.blobs[blob] = full
	delete(c.blocks, blob)
	return nil
}

func (c *fakeAzureClient) ListBlobs(ctx context.Context, container, prefix, delimiter string) ([]string, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	prefixSet := make(map[string]bool)
	for k := range c.blobs {
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

func newTestAzureEngine(client *fakeAzureClient) *AzureEngine {
	return NewAzureEngineWithClient("test-container", client, 1000, 10000, RetryConfig{MaxAttempts: 1, InitialBackoff: 0})
}

func TestAzureEnginePutAndGetRoundTrip(t *testing.T) {
	e := newTestAzureEngine(newFakeAzureClient())
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

func TestAzureEngineExistsAndDelete(t *testing.T) {
	e := newTestAzureEngine(newFakeAzureClient())
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
	// Deleting an already-absent blob must still succeed.
	if err := e.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete of absent key: %v", err)
	}
}

func TestAzureEngineDeleteManyRemovesAllKeys(t *testing.T) {
	e := newTestAzureEngine(newFakeAzureClient())
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

func TestAzureEngineListNonRecursiveCollapsesToCommonPrefixes(t *testing.T) {
	e := newTestAzureEngine(newFakeAzureClient())
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

func TestAzureEngineListRecursiveReturnsAbsoluteOrRelative(t *testing.T) {
	e := newTestAzureEngine(newFakeAzureClient())
	ctx := context.Background()
	_ = e.Put(ctx, "root/backup1/meta.json", []byte("1"))
	_ = e.Put(ctx, "root/backup1/data/part.bin", []byte("1"))

	abs, err := e.List(ctx, "root/", true, true)
	if err != nil {
		t.Fatalf("List absolute: %v", err)
	}
	sort.Strings(abs)
	want := []string{"root/backup1/data/part.bin", "root/backup1/meta.json"}
	if len(abs) != len(want) || abs[0] != want[0] || abs[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, abs)
	}

	rel, err := e.List(ctx, "root/", true, false)
	if err != nil {
		t.Fatalf("List relative: %v", err)
	}
	sort.Strings(rel)
	wantRel := []string{"backup1/data/part.bin", "backup1/meta.json"}
	if len(rel) != len(wantRel) || rel[0] != wantRel[0] || rel[1] != wantRel[1] {
		t.Fatalf("expected %v, got %v", wantRel, rel)
	}
}

func TestAzureEngineMultipartUploadRoundTrip(t *testing.T) {
	e := newTestAzureEngine(newFakeAzureClient())
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

func TestAzureEngineAbortMultipartUploadDiscardsBookkeeping(t *testing.T) {
	e := newTestAzureEngine(newFakeAzureClient())
	ctx := context.Background()

	uploadID, err := e.CreateMultipartUpload(ctx, "abort-key")
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	if err := e.UploadPart(ctx, "abort-key", uploadID, 1, []byte("partial")); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	if err := e.AbortMultipartUpload(ctx, "abort-key", uploadID); err != nil {
		t.Fatalf("AbortMultipartUpload: %v", err)
	}
	if err := e.CompleteMultipartUpload(ctx, "abort-key", uploadID, 1); err == nil {
		t.Fatalf("expected completing an aborted upload to fail")
	}
}

func TestAzureEngineMultipartDownloadReadsUntilEOF(t *testing.T) {
	e := newTestAzureEngine(newFakeAzureClient())
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
