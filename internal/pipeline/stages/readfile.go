// Package stages implements the composable pipeline stages that read,
// tar, compress, encrypt, and upload backup data, one file per stage
// family.
package stages

import (
	"context"
	"io"
	"os"

	"github.com/partvault/partvault/internal/pipeline"
)

// ReadFile is an Input stage that emits []byte chunks of a single local
// file.
type ReadFile struct {
	pipeline.BaseStage
	Path      string
	ChunkSize int
}

// NewReadFile builds a ReadFile stage over path, emitting chunkSize-sized
// reads.
func NewReadFile(path string, chunkSize int) *ReadFile {
	return &ReadFile{BaseStage: pipeline.NewBaseStage("read_file"), Path: path, ChunkSize: chunkSize}
}

func (r *ReadFile) OnStart(ctx context.Context, emit pipeline.Emit) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, r.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if emitErr := emit(ctx, chunk); emitErr != nil {
				return emitErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
