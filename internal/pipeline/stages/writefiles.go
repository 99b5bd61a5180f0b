package stages

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/partvault/partvault/internal/pipeline"
)

// WriteFile is a Terminal stage that writes incoming []byte items
// sequentially to a single local file, the inverse of ReadFile.
type WriteFile struct {
	pipeline.BaseStage
	Path string
	f    *os.File
}

// NewWriteFile builds a WriteFile stage writing to path.
func NewWriteFile(path string) *WriteFile {
	return &WriteFile{BaseStage: pipeline.NewBaseStage("write_file"), Path: path}
}

func (w *WriteFile) OnStart(ctx context.Context, emit pipeline.Emit) error {
	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(w.Path)
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

func (w *WriteFile) OnItem(ctx context.Context, item any, emit pipeline.Emit) error {
	_, err := w.f.Write(item.([]byte))
	return err
}

func (w *WriteFile) OnDone(ctx context.Context, emit pipeline.Emit) error {
	return w.f.Close()
}

// WriteFiles is a Terminal stage that untars an incoming byte stream into
// Root, handling GNU long names (type 'L') by accumulating the long name
// and applying it to the following header -- archive/tar's Reader already
// does this internally, so this stage only needs to drive it from a
// streamed byte source fed by OnItem rather than a single io.Reader.
type WriteFiles struct {
	pipeline.BaseStage
	Root string

	pr *io.PipeReader
	pw *io.PipeWriter
	wg chan error
}

// NewWriteFiles builds a WriteFiles stage extracting into root.
func NewWriteFiles(root string) *WriteFiles {
	return &WriteFiles{BaseStage: pipeline.NewBaseStage("write_files"), Root: root}
}

func (w *WriteFiles) OnStart(ctx context.Context, emit pipeline.Emit) error {
	w.pr, w.pw = io.Pipe()
	w.wg = make(chan error, 1)
	go func() {
		w.wg <- untarInto(w.Root, w.pr)
	}()
	return nil
}

func (w *WriteFiles) OnItem(ctx context.Context, item any, emit pipeline.Emit) error {
	_, err := w.pw.Write(item.([]byte))
	return err
}

func (w *WriteFiles) OnDone(ctx context.Context, emit pipeline.Emit) error {
	w.pw.Close()
	return <-w.wg
}

func untarInto(root string, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(root, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
