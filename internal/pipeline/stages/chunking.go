package stages

import (
	"context"

	"github.com/partvault/partvault/internal/pipeline"
)

// Chunking is a FlatMap stage that re-chunks an arbitrary byte stream
// into fixed-size chunks backed by a ring buffer, emitting a possibly
// short final chunk on done.
type Chunking struct {
	pipeline.BaseStage
	ChunkSize int
	buf       *pipeline.RingBuffer
}

// NewChunking builds a Chunking stage emitting chunkSize-sized chunks,
// backed by a ring buffer of at least chunkSize capacity.
func NewChunking(chunkSize int) *Chunking {
	capacity := chunkSize * 2
	if capacity < chunkSize {
		capacity = chunkSize
	}
	return &Chunking{
		BaseStage: pipeline.NewBaseStage("chunking"),
		ChunkSize: chunkSize,
		buf:       pipeline.NewRingBuffer(capacity),
	}
}

func (c *Chunking) OnItem(ctx context.Context, item any, emit pipeline.Emit) error {
	data := item.([]byte)
	for len(data) > 0 {
		n := c.buf.Free()
		if n > len(data) {
			n = len(data)
		}
		if n == 0 {
			if err := c.drainOne(ctx, emit); err != nil {
				return err
			}
			continue
		}
		if err := c.buf.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]

		for c.buf.Len() >= c.ChunkSize {
			if err := c.drainOne(ctx, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Chunking) drainOne(ctx context.Context, emit pipeline.Emit) error {
	n := c.ChunkSize
	if c.buf.Len() < n {
		n = c.buf.Len()
	}
	return emit(ctx, c.buf.Read(n))
}

func (c *Chunking) OnDone(ctx context.Context, emit pipeline.Emit) error {
	for c.buf.Len() > 0 {
		if err := c.drainOne(ctx, emit); err != nil {
			return err
		}
	}
	return nil
}
