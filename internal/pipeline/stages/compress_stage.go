package stages

import (
	"context"

	"github.com/partvault/partvault/internal/compress"
	"github.com/partvault/partvault/internal/pipeline"
)

// Compress is a Map stage that calls a compress.Compressor, emitting any
// residual bytes on done.
type Compress struct {
	pipeline.BaseStage
	c compress.Compressor
}

// NewCompress builds a Compress stage over c.
func NewCompress(c compress.Compressor) *Compress {
	return &Compress{BaseStage: pipeline.NewBaseStage("compress"), c: c}
}

func (s *Compress) OnItem(ctx context.Context, item any, emit pipeline.Emit) error {
	out, err := s.c.Compress(item.([]byte))
	if err != nil {
		return err
	}
	return emit(ctx, out)
}

func (s *Compress) OnDone(ctx context.Context, emit pipeline.Emit) error {
	out, err := s.c.FlushCompress()
	if err != nil {
		return err
	}
	return emit(ctx, out)
}

// Decompress is a Map stage that calls a compress.Compressor's Decompress
// method, emitting any residual bytes on done.
type Decompress struct {
	pipeline.BaseStage
	c compress.Compressor
}

// NewDecompress builds a Decompress stage over c.
func NewDecompress(c compress.Compressor) *Decompress {
	return &Decompress{BaseStage: pipeline.NewBaseStage("decompress"), c: c}
}

func (s *Decompress) OnItem(ctx context.Context, item any, emit pipeline.Emit) error {
	out, err := s.c.Decompress(item.([]byte))
	if err != nil {
		return err
	}
	return emit(ctx, out)
}

func (s *Decompress) OnDone(ctx context.Context, emit pipeline.Emit) error {
	out, err := s.c.FlushDecompress()
	if err != nil {
		return err
	}
	return emit(ctx, out)
}
