package stages

import (
	"context"

	"github.com/partvault/partvault/internal/pipeline"
	"github.com/partvault/partvault/internal/storage"
)

// Download is an Input stage that performs a multipart download of key
// by repeated ranged gets of ChunkSize.
type Download struct {
	pipeline.BaseStage
	engine    storage.Engine
	key       string
	ChunkSize int
}

// NewDownload builds a Download stage reading key via engine.
func NewDownload(engine storage.Engine, key string, chunkSize int) *Download {
	return &Download{BaseStage: pipeline.NewBaseStage("download"), engine: engine, key: key, ChunkSize: chunkSize}
}

func (d *Download) OnStart(ctx context.Context, emit pipeline.Emit) error {
	id, err := d.engine.CreateMultipartDownload(ctx, d.key)
	if err != nil {
		return err
	}
	defer d.engine.CompleteMultipartDownload(ctx, id)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := d.engine.DownloadPart(ctx, id, d.ChunkSize)
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		if err := emit(ctx, chunk); err != nil {
			return err
		}
	}
}
