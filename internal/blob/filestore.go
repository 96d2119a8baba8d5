package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/neotoma-io/neotoma/internal/neoerr"
)

// FileStore keeps blobs on local disk under root/<tenant>/<hh>/<rest-of-hash>,
// where <hh> is the first two hash chars, fanning files out across
// subdirectories. Writes land in a temp directory and rename into place on
// commit, so a committed blob is always complete.
type FileStore struct {
	root string
	tmp  string
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a disk blob store rooted at path.
func NewFileStore(path string) (*FileStore, error) {
	tmp := filepath.Join(path, ".tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create store at %s: %w", path, err)
	}
	return &FileStore{root: path, tmp: tmp}, nil
}

func (s *FileStore) refPath(ref Ref) string {
	return filepath.Join(s.root, ref.Tenant, ref.Hash[:2], ref.Hash[2:])
}

type fileWriter struct {
	file  *os.File
	final string
	done  bool
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.file.Write(p) }

// Commit fsyncs the temp file and renames it into its content address.
func (w *fileWriter) Commit() error {
	if w.done {
		return errors.New("blob: writer already finished")
	}
	w.done = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.file.Name())
		return fmt.Errorf("blob: sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("blob: close: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.final), 0o755); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("blob: mkdir: %w", err)
	}
	if err := os.Rename(w.file.Name(), w.final); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("blob: commit: %w", err)
	}
	return nil
}

// Cancel discards the temp file.
func (w *fileWriter) Cancel() error {
	if w.done {
		return nil
	}
	w.done = true
	closeErr := w.file.Close()
	removeErr := os.Remove(w.file.Name())
	if closeErr != nil {
		return fmt.Errorf("blob: cancel: %w", closeErr)
	}
	if removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
		return fmt.Errorf("blob: cancel: %w", removeErr)
	}
	return nil
}

// Create opens a temp-backed writer for ref.
func (s *FileStore) Create(ctx context.Context, ref Ref) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ref.Valid() {
		return nil, neoerr.Invalid("blob ref %q/%q", ref.Tenant, ref.Hash)
	}
	file, err := os.CreateTemp(s.tmp, "blob-*")
	if err != nil {
		return nil, fmt.Errorf("blob: create temp: %w", err)
	}
	return &fileWriter{file: file, final: s.refPath(ref)}, nil
}

// Put writes data under ref in one call.
func (s *FileStore) Put(ctx context.Context, ref Ref, data []byte) error {
	w, err := s.Create(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Cancel()
		return fmt.Errorf("blob: write: %w", err)
	}
	return w.Commit()
}

// Open returns a reader over the committed blob.
func (s *FileStore) Open(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ref.Valid() {
		return nil, neoerr.Invalid("blob ref %q/%q", ref.Tenant, ref.Hash)
	}
	file, err := os.Open(s.refPath(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, neoerr.NotFound("blob %s", ref.URL())
		}
		return nil, fmt.Errorf("blob: open: %w", err)
	}
	return file, nil
}

// Stat returns the committed blob's size.
func (s *FileStore) Stat(ctx context.Context, ref Ref) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := os.Stat(s.refPath(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, neoerr.NotFound("blob %s", ref.URL())
		}
		return 0, fmt.Errorf("blob: stat: %w", err)
	}
	return info.Size(), nil
}

// Delete removes the blob if present.
func (s *FileStore) Delete(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.refPath(ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}
