// Package compress implements the backup engine's streaming compression
// stage, exposing a common streaming compress/flush contract across
// gzip, zstd, and a no-op passthrough. zstd is the default because
// klauspost/compress streams well for large tarball payloads.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compressor is a streaming, stateful compressor/decompressor. Compress
// and Decompress may buffer internally and return no bytes; Flush* drains
// any residual output once the input stream ends.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	FlushCompress() ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	FlushDecompress() ([]byte, error)
}

// NoneCompressor passes bytes through unchanged.
type NoneCompressor struct{}

func (NoneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoneCompressor) FlushCompress() ([]byte, error)         { return nil, nil }
func (NoneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (NoneCompressor) FlushDecompress() ([]byte, error)       { return nil, nil }

// ZstdCompressor streams through a zstd.Encoder/Decoder pair backed by an
// in-memory buffer, so Compress/Decompress can be called with arbitrary
// chunk boundaries and FlushCompress/FlushDecompress emit the residual
// bytes the underlying stream was still holding.
type ZstdCompressor struct {
	level zstd.EncoderLevel

	enc    *zstd.Encoder
	encBuf *bytes.Buffer

	dec    *zstd.Decoder
	decBuf *bytes.Buffer
	decOut *bytes.Buffer
}

// NewZstdCompressor builds a ZstdCompressor at the given compression
// level (1-22; 0 selects the library default).
func NewZstdCompressor(level int) *ZstdCompressor {
	lvl := zstd.SpeedDefault
	if level > 0 {
		lvl = zstd.EncoderLevelFromZstd(level)
	}
	return &ZstdCompressor{level: lvl}
}

func (z *ZstdCompressor) ensureEncoder() error {
	if z.enc != nil {
		return nil
	}
	z.encBuf = &bytes.Buffer{}
	enc, err := zstd.NewWriter(z.encBuf, zstd.WithEncoderLevel(z.level))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	z.enc = enc
	return nil
}

// Compress writes data into the encoder and returns whatever the encoder
// has flushed to its output buffer so far.
func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	if err := z.ensureEncoder(); err != nil {
		return nil, err
	}
	if _, err := z.enc.Write(data); err != nil {
		return nil, fmt.Errorf("zstd compress: %w", err)
	}
	return z.drainEnc(), nil
}

// FlushCompress finalizes the encoder and returns any residual bytes.
func (z *ZstdCompressor) FlushCompress() ([]byte, error) {
	if z.enc == nil {
		return nil, nil
	}
	if err := z.enc.Close(); err != nil {
		return nil, fmt.Errorf("closing zstd encoder: %w", err)
	}
	out := z.drainEnc()
	z.enc = nil
	return out, nil
}

func (z *ZstdCompressor) drainEnc() []byte {
	out := make([]byte, z.encBuf.Len())
	copy(out, z.encBuf.Bytes())
	z.encBuf.Reset()
	return out
}

func (z *ZstdCompressor) ensureDecoder() error {
	if z.dec != nil {
		return nil
	}
	z.decBuf = &bytes.Buffer{}
	z.decOut = &bytes.Buffer{}
	dec, err := zstd.NewReader(z.decBuf)
	if err != nil {
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	z.dec = dec
	return nil
}

// Decompress feeds data into the decoder and returns whatever plaintext
// could be produced from the bytes available so far.
func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	if err := z.ensureDecoder(); err != nil {
		return nil, err
	}
	z.decBuf.Write(data)
	buf := make([]byte, 32*1024)
	for {
		n, err := z.dec.Read(buf)
		if n > 0 {
			z.decOut.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	out := make([]byte, z.decOut.Len())
	copy(out, z.decOut.Bytes())
	z.decOut.Reset()
	return out, nil
}

// FlushDecompress releases the decoder; zstd.Decoder has no residual
// output beyond what Decompress already drained.
func (z *ZstdCompressor) FlushDecompress() ([]byte, error) {
	if z.dec != nil {
		z.dec.Close()
		z.dec = nil
	}
	return nil, nil
}

// GzipCompressor streams through a gzip.Writer/Reader pair.
type GzipCompressor struct {
	level int

	enc    *gzip.Writer
	encBuf *bytes.Buffer

	decBuf *bytes.Buffer
	dec    *gzip.Reader
	decOut *bytes.Buffer
}

// NewGzipCompressor builds a GzipCompressor at the given compression
// level (gzip.DefaultCompression if 0).
func NewGzipCompressor(level int) *GzipCompressor {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &GzipCompressor{level: level}
}

func (g *GzipCompressor) ensureEncoder() error {
	if g.enc != nil {
		return nil
	}
	g.encBuf = &bytes.Buffer{}
	w, err := gzip.NewWriterLevel(g.encBuf, g.level)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	g.enc = w
	return nil
}

// Compress writes data into the writer and drains what it has flushed.
func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	if err := g.ensureEncoder(); err != nil {
		return nil, err
	}
	if _, err := g.enc.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := g.enc.Flush(); err != nil {
		return nil, fmt.Errorf("flushing gzip writer: %w", err)
	}
	out := make([]byte, g.encBuf.Len())
	copy(out, g.encBuf.Bytes())
	g.encBuf.Reset()
	return out, nil
}

// FlushCompress finalizes the gzip stream footer.
func (g *GzipCompressor) FlushCompress() ([]byte, error) {
	if g.enc == nil {
		return nil, nil
	}
	if err := g.enc.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	out := make([]byte, g.encBuf.Len())
	copy(out, g.encBuf.Bytes())
	g.encBuf.Reset()
	g.enc = nil
	return out, nil
}

// Decompress feeds data into the gzip reader, lazily constructing it once
// enough header bytes are available.
func (g *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	if g.decBuf == nil {
		g.decBuf = &bytes.Buffer{}
		g.decOut = &bytes.Buffer{}
	}
	g.decBuf.Write(data)

	if g.dec == nil {
		peek := bytes.NewReader(g.decBuf.Bytes())
		r, err := gzip.NewReader(peek)
		if err != nil {
			// Not enough header bytes yet; wait for more input.
			return nil, nil
		}
		g.dec = r
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := g.dec.Read(buf)
		if n > 0 {
			g.decOut.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	out := make([]byte, g.decOut.Len())
	copy(out, g.decOut.Bytes())
	g.decOut.Reset()
	return out, nil
}

// FlushDecompress releases the gzip reader.
func (g *GzipCompressor) FlushDecompress() ([]byte, error) {
	if g.dec != nil {
		g.dec.Close()
		g.dec = nil
	}
	return nil, nil
}

var (
	_ Compressor = NoneCompressor{}
	_ Compressor = (*ZstdCompressor)(nil)
	_ Compressor = (*GzipCompressor)(nil)
)
