package manager

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/partvault/partvault/internal/compress"
	"github.com/partvault/partvault/internal/crypto"
	"github.com/partvault/partvault/internal/dbcontrol"
	"github.com/partvault/partvault/internal/layout"
	"github.com/partvault/partvault/internal/pipeline"
)

// fakeEngine is a minimal in-memory storage.Engine, mirroring
// internal/layout's own test fake, used here to exercise Manager without
// a real object store.
type fakeEngine struct {
	mu      sync.Mutex
	objects map[string][]byte
	cursors map[string]int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{objects: make(map[string][]byte)}
}

func (f *fakeEngine) Put(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key] = cp
	return nil
}

func (f *fakeEngine) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key], nil
}

func (f *fakeEngine) UploadFile(ctx context.Context, localPath, key string) error { return nil }
func (f *fakeEngine) DownloadFile(ctx context.Context, key, localPath string) error {
	return nil
}

func (f *fakeEngine) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	return key, nil
}
func (f *fakeEngine) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append(f.objects[key], data...)
	return nil
}
func (f *fakeEngine) CompleteMultipartUpload(ctx context.Context, key, uploadID string, partCount int) error {
	return nil
}
func (f *fakeEngine) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return nil
}

func (f *fakeEngine) CreateMultipartDownload(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursors == nil {
		f.cursors = make(map[string]int)
	}
	f.cursors[key] = 0
	return key, nil
}
func (f *fakeEngine) DownloadPart(ctx context.Context, downloadID string, maxBytes int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.objects[downloadID]
	pos := f.cursors[downloadID]
	if pos >= len(data) {
		return nil, nil
	}
	end := pos + maxBytes
	if end > len(data) {
		end = len(data)
	}
	f.cursors[downloadID] = end
	return data[pos:end], nil
}
func (f *fakeEngine) CompleteMultipartDownload(ctx context.Context, downloadID string) error {
	return nil
}

func (f *fakeEngine) List(ctx context.Context, prefix string, recursive, absolute bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	trimPrefix := strings.TrimSuffix(prefix, "/") + "/"

	seen := make(map[string]bool)
	var out []string
	for k := range f.objects {
		if !strings.HasPrefix(k, trimPrefix) {
			continue
		}
		rel := strings.TrimPrefix(k, trimPrefix)
		if !recursive {
			if idx := strings.Index(rel, "/"); idx >= 0 {
				rel = rel[:idx]
			}
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		if absolute {
			out = append(out, trimPrefix+rel)
		} else {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeEngine) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeEngine) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeEngine) DeleteMany(ctx context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, k)
	}
	return nil
}

func (f *fakeEngine) MaxChunkCount() int { return 10000 }

func newTestLayout(engine *fakeEngine) *layout.Layout {
	pool := pipeline.NewPool(context.Background())
	newCompress := func() compress.Compressor { return compress.NoneCompressor{} }
	return layout.New(pool, engine, crypto.NoopCryptor{}, newCompress, nil, "/var/backups", 1024, 10000, 10*time.Millisecond, false)
}

// writeFrozenPart creates a one-file frozen part on local disk and
// registers it on control, mirroring what a real freeze operation would
// leave behind.
func writeFrozenPart(t *testing.T, control *dbcontrol.FakeControl, backupName, database, table, partName, content string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), partName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data.bin"), []byte(content), 0o644); err != nil {
		t.Fatalf("write part file: %v", err)
	}
	control.FrozenParts[backupName] = append(control.FrozenParts[backupName], dbcontrol.FrozenPart{
		Database: database,
		Table:    table,
		Name:     partName,
		Path:     dir,
		Checksum: "sum-" + content,
		Size:     int64(len(content)),
		Disk:     "default",
	})
}
