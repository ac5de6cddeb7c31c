package unarchiver

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/security"
)

// writer materializes archive entries below dest.
type writer struct {
	dest string
	// remaining is the byte budget left for file contents when limited is set.
	remaining int64
	limited   bool
}

func (w *writer) target(name string) (string, error) {
	return security.SanitizePath(w.dest, name)
}

func (w *writer) dir(name string) error {
	target, err := w.target(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", target, err)
	}
	return nil
}

func (w *writer) file(name string, mode fs.FileMode, modTime time.Time, src io.Reader) error {
	target, err := w.target(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", target, err)
	}
	if w.limited {
		src = io.LimitReader(src, w.remaining+1)
	}
	written, err := atomicWrite(target, src, mode.Perm()&0o755|0o644)
	if err != nil {
		return fmt.Errorf("failed to write file %q: %w", target, err)
	}
	if w.limited {
		w.remaining -= written
		if w.remaining < 0 {
			return fmt.Errorf("%w: extracted contents exceed the limit", errdefs.ErrSizeLimit)
		}
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(target, modTime, modTime); err != nil {
			return fmt.Errorf("failed to change modtime of %q: %w", target, err)
		}
	}
	return nil
}

// symlink creates a link whose target stays inside dest.
func (w *writer) symlink(name, linkname string) error {
	target, err := w.target(name)
	if err != nil {
		return err
	}
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute symlink %q -> %q", errdefs.ErrUnsafePath, name, linkname)
	}
	rel, err := filepath.Rel(w.dest, filepath.Join(filepath.Dir(target), linkname))
	if err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrUnsafePath, err)
	}
	if _, err := w.target(rel); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", target, err)
	}
	if err := os.Symlink(linkname, target); err != nil {
		return fmt.Errorf("failed to create symlink %q: %w", target, err)
	}
	return nil
}

func (w *writer) zipSymlink(entry *zip.File) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	linkname, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return err
	}
	return w.symlink(entry.Name, string(linkname))
}

func (w *writer) zipFile(ctx context.Context, u *Unarchiver, entry *zip.File) error {
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip entry %q: %w", entry.Name, err)
	}
	defer rc.Close()
	return w.file(entry.Name, entry.Mode(), entry.Modified, u.limit(ctx, rc))
}

func atomicWrite(dest string, src io.Reader, perm fs.FileMode) (int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(dest), "tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
	}()
	written, err := io.Copy(tmpFile, src)
	if err != nil {
		return written, fmt.Errorf("failed to copy file: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		return written, fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return written, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), dest); err != nil {
		return written, fmt.Errorf("failed to rename temp file to %q: %w", dest, err)
	}
	return written, nil
}
