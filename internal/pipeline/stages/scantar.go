package stages

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/partvault/partvault/internal/pipeline"
)

// ScanTar is an Input stage that recursively enumerates a directory,
// excluding any name in Exclude, and emits a tar byte-stream with
// GNU-long-name support (archive/tar already writes GNU long names when a
// path exceeds the USTAR limit, so no custom long-name encoding is
// needed).
type ScanTar struct {
	pipeline.BaseStage
	Root    string
	Exclude map[string]bool
	// Files, if non-empty, is an explicit ordered file list to tar
	// instead of walking Root.
	Files []string
}

// emitWriter adapts emit into an io.Writer so archive/tar can stream
// through it without buffering the whole tarball in memory.
type emitWriter struct {
	ctx  context.Context
	emit pipeline.Emit
}

func (w emitWriter) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	if err := w.emit(w.ctx, chunk); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewScanTar builds a ScanTar over root, skipping names in exclude.
func NewScanTar(root string, exclude map[string]bool) *ScanTar {
	return &ScanTar{BaseStage: pipeline.NewBaseStage("scan_and_tar"), Root: root, Exclude: exclude}
}

// NewScanTarFiles builds a ScanTar over an explicit ordered file list.
func NewScanTarFiles(root string, files []string) *ScanTar {
	return &ScanTar{BaseStage: pipeline.NewBaseStage("scan_and_tar"), Root: root, Files: files}
}

func (s *ScanTar) OnStart(ctx context.Context, emit pipeline.Emit) error {
	w := tar.NewWriter(emitWriter{ctx: ctx, emit: emit})
	defer w.Close()

	files := s.Files
	if len(files) == 0 {
		var err error
		files, err = s.walk()
		if err != nil {
			return err
		}
	}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		full := filepath.Join(s.Root, rel)
		if err := addTarEntry(w, full, rel); err != nil {
			return err
		}
	}
	return nil
}

func (s *ScanTar) walk() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if s.Exclude != nil && s.Exclude[name] {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	sort.Strings(files)
	return files, err
}

func addTarEntry(w *tar.Writer, fullPath, relPath string) error {
	info, err := os.Lstat(fullPath)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = relPath
	hdr.Format = tar.FormatGNU
	if err := w.WriteHeader(hdr); err != nil {
		return err
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(fullPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := copyPadded(w, f); err != nil {
			return err
		}
	}
	return nil
}

// copyPadded copies f into the current tar entry in 64 KiB reads; the
// tar.Writer itself pads each entry to a 512-byte boundary.
func copyPadded(w *tar.Writer, f *os.File) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
