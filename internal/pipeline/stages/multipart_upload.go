package stages

import (
	"context"
	"sync"

	"github.com/partvault/partvault/internal/pipeline"
	"github.com/partvault/partvault/internal/storage"
)

// MultipartUpload is a stateful Terminal stage collapsing start/body/
// complete into a single upload_id state machine: on the first item it
// buffers rather than uploads, because a single-chunk object must use a
// plain Put instead of a multipart upload; on the second item it opens a
// multipart upload and uploads both the buffered first part and the new
// one; OnDone finalizes whichever path was taken.
type MultipartUpload struct {
	pipeline.BaseStage
	engine storage.Engine
	key    string

	mu         sync.Mutex
	uploadID   string
	partCount  int
	firstChunk []byte
	haveFirst  bool
	aborted    bool
}

// NewMultipartUpload builds a MultipartUpload stage writing to key via
// engine.
func NewMultipartUpload(engine storage.Engine, key string) *MultipartUpload {
	return &MultipartUpload{BaseStage: pipeline.NewBaseStage("multipart_upload"), engine: engine, key: key}
}

func (s *MultipartUpload) OnItem(ctx context.Context, item any, emit pipeline.Emit) error {
	data := item.([]byte)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveFirst {
		s.haveFirst = true
		s.firstChunk = data
		return nil
	}

	if s.uploadID == "" {
		id, err := s.engine.CreateMultipartUpload(ctx, s.key)
		if err != nil {
			return err
		}
		s.uploadID = id
		if err := s.engine.UploadPart(ctx, s.key, s.uploadID, 1, s.firstChunk); err != nil {
			return err
		}
		s.partCount = 1
		s.firstChunk = nil
	}

	s.partCount++
	return s.engine.UploadPart(ctx, s.key, s.uploadID, s.partCount, data)
}

func (s *MultipartUpload) OnDone(ctx context.Context, emit pipeline.Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uploadID == "" {
		data := s.firstChunk
		if data == nil {
			data = []byte{}
		}
		return s.engine.Put(ctx, s.key, data)
	}
	return s.engine.CompleteMultipartUpload(ctx, s.key, s.uploadID, s.partCount)
}

// Abort discards an in-progress multipart upload, best-effort, called on
// cancellation or pipeline error.
func (s *MultipartUpload) Abort(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted || s.uploadID == "" {
		return
	}
	s.aborted = true
	_ = s.engine.AbortMultipartUpload(ctx, s.key, s.uploadID)
}

// AdjustChunkSize grows chunkSize so totalSize/chunkSize never exceeds
// maxChunkCount: if it would, both are multiplied by
// ceil(total/chunk/max) before the pipeline starts.
func AdjustChunkSize(totalSize int64, chunkSize, maxChunkCount int) (int, int) {
	if chunkSize <= 0 || maxChunkCount <= 0 {
		return chunkSize, 0
	}
	estimatedChunks := (totalSize + int64(chunkSize) - 1) / int64(chunkSize)
	if estimatedChunks <= int64(maxChunkCount) {
		return chunkSize, 0
	}
	factor := (estimatedChunks + int64(maxChunkCount) - 1) / int64(maxChunkCount)
	return chunkSize * int(factor), int(factor)
}
