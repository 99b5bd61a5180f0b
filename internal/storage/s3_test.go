package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3Client is an in-memory s3API double, grounded on the same
// in-memory-map-of-objects pattern internal/layout/io_test.go's own
// fakeEngine uses, specialized to the AWS SDK's request/response shapes.
type fakeS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	parts   map[string]map[int32][]byte // uploadID -> partNumber -> data
	keys    map[string]string           // uploadID -> key
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{
		objects: make(map[string][]byte),
		parts:   make(map[string]map[int32][]byte),
		keys:    make(map[string]string),
	}
}

func (c *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.objects[aws.ToString(in.Key)] = data
	c.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (c *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	data, ok := c.objects[aws.ToString(in.Key)]
	c.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.Range != nil {
		start, end, ok := parseRange(aws.ToString(in.Range), len(data))
		if !ok {
			return nil, &smithyInvalidRangeError{}
		}
		data = data[start:end]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (c *fakeS3Client) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	c.mu.Lock()
	delete(c.objects, aws.ToString(in.Key))
	c.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (c *fakeS3Client) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	c.mu.Lock()
	for _, obj := range in.Delete.Objects {
		delete(c.objects, aws.ToString(obj.Key))
	}
	c.mu.Unlock()
	return &s3.DeleteObjectsOutput{}, nil
}

func (c *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	c.mu.Lock()
	_, ok := c.objects[aws.ToString(in.Key)]
	c.mu.Unlock()
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (c *fakeS3Client) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	c.mu.Lock()
	id := "upload-" + aws.ToString(in.Key)
	c.parts[id] = make(map[int32][]byte)
	c.keys[id] = aws.ToString(in.Key)
	c.mu.Unlock()
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (c *fakeS3Client) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.parts[aws.ToString(in.UploadId)][aws.ToInt32(in.PartNumber)] = data
	c.mu.Unlock()
	return &s3.UploadPartOutput{ETag: aws.String("etag")}, nil
}

func (c *fakeS3Client) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := aws.ToString(in.UploadId)
	partMap := c.parts[id]
	nums := make([]int32, 0, len(in.MultipartUpload.Parts))
	for _, p := range in.MultipartUpload.Parts {
		nums = append(nums, aws.ToInt32(p.PartNumber))
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	var full []byte
	for _, n := range nums {
		full = append(full, partMap[n]...)
	}
	c.objects[c.keys[id]] = full
	delete(c.parts, id)
	delete(c.keys, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (c *fakeS3Client) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	c.mu.Lock()
	delete(c.parts, aws.ToString(in.UploadId))
	delete(c.keys, aws.ToString(in.UploadId))
	c.mu.Unlock()
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (c *fakeS3Client) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	c.mu.Lock()
	defer c.mu.Unlock()

	var contents []types.Object
	prefixSet := make(map[string]bool)
	for k := range c.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if in.Delimiter != nil && strings.Contains(rest, aws.ToString(in.Delimiter)) {
			idx := strings.Index(rest, aws.ToString(in.Delimiter))
			prefixSet[prefix+rest[:idx+1]] = true
			continue
		}
		contents = append(contents, types.Object{Key: aws.String(k)})
	}
	var commonPrefixes []types.CommonPrefix
	for p := range prefixSet {
		commonPrefixes = append(commonPrefixes, types.CommonPrefix{Prefix: aws.String(p)})
	}
	return &s3.ListObjectsV2Output{Contents: contents, CommonPrefixes: commonPrefixes, IsTruncated: aws.Bool(false)}, nil
}

// smithyInvalidRangeError satisfies smithy.APIError for isS3InvalidRange.
type smithyInvalidRangeError struct{}

func (e *smithyInvalidRangeError) Error() string         { return "InvalidRange" }
func (e *smithyInvalidRangeError) ErrorCode() string      { return "InvalidRange" }
func (e *smithyInvalidRangeError) ErrorMessage() string   { return "invalid range" }
func (e *smithyInvalidRangeError) ErrorFault() int        { return 0 }

func parseRange(header string, size int) (start, end int, ok bool) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	var s, e int
	if _, err := sscan(parts[0], &s); err != nil {
		return 0, 0, false
	}
	if _, err := sscan(parts[1], &e); err != nil {
		return 0, 0, false
	}
	if s >= size {
		return 0, 0, false
	}
	if e >= size {
		e = size - 1
	}
	return s, e + 1, true
}

func sscan(s string, out *int) (int, error) {
	n := 0
	neg := false
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return 0, io.ErrUnexpectedEOF
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	*out = n
	return n, nil
}

func newTestS3Engine(client *fakeS3Client) *S3Engine {
	return NewS3EngineWithClient("test-bucket", client, 1000, 10000, RetryConfig{MaxAttempts: 1, InitialBackoff: 0})
}

func TestS3EnginePutAndGetRoundTrip(t *testing.T) {
	e := newTestS3Engine(newFakeS3Client())
	ctx := context.Background()

	if err := e.Put(ctx, "var/backups/foo", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := e.Get(ctx, "var/backups/foo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}
}

func TestS3EngineExistsAndDelete(t *testing.T) {
	e := newTestS3Engine(newFakeS3Client())
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

func TestS3EngineDeleteManyRemovesAllKeys(t *testing.T) {
	e := newTestS3Engine(newFakeS3Client())
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

func TestS3EngineListNonRecursiveCollapsesToCommonPrefixes(t *testing.T) {
	e := newTestS3Engine(newFakeS3Client())
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

func TestS3EngineMultipartUploadRoundTrip(t *testing.T) {
	e := newTestS3Engine(newFakeS3Client())
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

func TestS3EngineMultipartDownloadReadsUntilEOF(t *testing.T) {
	e := newTestS3Engine(newFakeS3Client())
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
