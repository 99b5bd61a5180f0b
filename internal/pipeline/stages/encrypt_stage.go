package stages

import (
	"context"

	"github.com/partvault/partvault/internal/crypto"
	"github.com/partvault/partvault/internal/pipeline"
)

// Encrypt is a Map stage that seals each item with a crypto.Cryptor.
type Encrypt struct {
	pipeline.BaseStage
	c crypto.Cryptor
}

// NewEncrypt builds an Encrypt stage over c.
func NewEncrypt(c crypto.Cryptor) *Encrypt {
	return &Encrypt{BaseStage: pipeline.NewBaseStage("encrypt"), c: c}
}

func (s *Encrypt) OnItem(ctx context.Context, item any, emit pipeline.Emit) error {
	out, err := s.c.Encrypt(item.([]byte))
	if err != nil {
		return err
	}
	return emit(ctx, out)
}

// Decrypt is a Map stage that re-chunks its input to exactly one
// ciphertext chunk (plaintext chunk size + Cryptor.MetadataSize) before
// decrypting, since the cryptor can only open a chunk it sealed whole.
type Decrypt struct {
	pipeline.BaseStage
	c         crypto.Cryptor
	chunkSize int
	buf       *pipeline.RingBuffer
}

// NewDecrypt builds a Decrypt stage over c, re-chunking input to
// plaintextChunkSize + c.MetadataSize() before decrypting.
func NewDecrypt(c crypto.Cryptor, plaintextChunkSize int) *Decrypt {
	chunkSize := plaintextChunkSize + c.MetadataSize()
	return &Decrypt{
		BaseStage: pipeline.NewBaseStage("decrypt"),
		c:         c,
		chunkSize: chunkSize,
		buf:       pipeline.NewRingBuffer(chunkSize * 2),
	}
}

func (s *Decrypt) OnItem(ctx context.Context, item any, emit pipeline.Emit) error {
	if err := s.buf.Write(item.([]byte)); err != nil {
		return err
	}
	for s.buf.Len() >= s.chunkSize {
		out, err := s.c.Decrypt(s.buf.Read(s.chunkSize))
		if err != nil {
			return err
		}
		if err := emit(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *Decrypt) OnDone(ctx context.Context, emit pipeline.Emit) error {
	if s.buf.Len() == 0 {
		return nil
	}
	out, err := s.c.Decrypt(s.buf.ReadAll())
	if err != nil {
		return err
	}
	return emit(ctx, out)
}
