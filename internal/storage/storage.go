// Package storage keeps extracted bundle contents on the local filesystem.
//
// Layout under the root directory:
//
//	staging/   downloads and extractions in progress
//	bundles/   committed bundle contents, one directory per bundle id
//	trash/     bundles being deleted
//
// All three live on the same filesystem so moves between them are atomic renames.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
	"github.com/pddg/liveupdate/internal/security"
)

const (
	stagingDir = "staging"
	bundlesDir = "bundles"
	trashDir   = "trash"
)

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	for _, dir := range []string{stagingDir, bundlesDir, trashDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("storage.New: %w: %w", errdefs.ErrStorage, err)
		}
	}
	return &Store{root: root}, nil
}

// StagingDir is where in-progress downloads are written.
func (s *Store) StagingDir() string {
	return filepath.Join(s.root, stagingDir)
}

// NewStaging creates an empty directory to extract a bundle into before Commit.
func (s *Store) NewStaging() (string, error) {
	dir, err := os.MkdirTemp(s.StagingDir(), "extract-*")
	if err != nil {
		return "", fmt.Errorf("storage.Store.NewStaging: %w: %w", errdefs.ErrStorage, err)
	}
	return dir, nil
}

// Path returns the committed location of bundle id. The directory may not exist.
func (s *Store) Path(id string) (string, error) {
	if _, err := security.SanitizeInput(id); err != nil {
		return "", fmt.Errorf("storage.Store.Path: %w", err)
	}
	return security.SanitizePath(filepath.Join(s.root, bundlesDir), id)
}

func (s *Store) Exists(id string) bool {
	path, err := s.Path(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Commit atomically moves a staged directory to the location of bundle id.
// It refuses to replace an existing bundle.
func (s *Store) Commit(ctx context.Context, staged string, id string) (string, error) {
	dest, err := s.Path(id)
	if err != nil {
		return "", fmt.Errorf("storage.Store.Commit: %w", err)
	}
	if _, err := os.Lstat(dest); err == nil {
		return "", fmt.Errorf("storage.Store.Commit: %s already exists: %w", dest, errdefs.ErrStorage)
	}
	if err := os.Rename(staged, dest); err != nil {
		return "", fmt.Errorf("storage.Store.Commit: failed to rename %q to %q: %w: %w", staged, dest, errdefs.ErrStorage, err)
	}
	logging.FromContext(ctx).DebugContext(ctx, "bundle committed", "bundle_id", id, "path", dest)
	return dest, nil
}

// Trash moves bundle id out of the bundles directory. restore moves it back,
// purge removes it for good. A missing bundle yields no-op functions.
func (s *Store) Trash(ctx context.Context, id string) (restore func() error, purge func() error, err error) {
	noop := func() error { return nil }
	src, err := s.Path(id)
	if err != nil {
		return nil, nil, fmt.Errorf("storage.Store.Trash: %w", err)
	}
	trashed := filepath.Join(s.root, trashDir, id+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	if err := os.Rename(src, trashed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return noop, noop, nil
		}
		return nil, nil, fmt.Errorf("storage.Store.Trash: failed to rename %q: %w: %w", src, errdefs.ErrStorage, err)
	}
	restore = func() error {
		if err := os.Rename(trashed, src); err != nil {
			return fmt.Errorf("storage.Store.Trash: failed to restore %q: %w: %w", src, errdefs.ErrStorage, err)
		}
		return nil
	}
	purge = func() error {
		if err := os.RemoveAll(trashed); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "failed to purge trashed bundle", "path", trashed, "error", err)
			return fmt.Errorf("storage.Store.Trash: %w: %w", errdefs.ErrStorage, err)
		}
		return nil
	}
	return restore, purge, nil
}

// List returns the ids of all committed bundles.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, bundlesDir))
	if err != nil {
		return nil, fmt.Errorf("storage.Store.List: %w: %w", errdefs.ErrStorage, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Remove deletes bundle id outright. Missing bundles are not an error.
func (s *Store) Remove(id string) error {
	path, err := s.Path(id)
	if err != nil {
		return fmt.Errorf("storage.Store.Remove: %w", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("storage.Store.Remove: %w: %w", errdefs.ErrStorage, err)
	}
	return nil
}

// Sweep empties the staging and trash directories. It runs at startup, when
// nothing can be in progress.
func (s *Store) Sweep(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	var errs []error
	for _, dir := range []string{stagingDir, trashDir} {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			path := filepath.Join(s.root, dir, e.Name())
			logger.InfoContext(ctx, "removing leftover", "path", path)
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("storage.Store.Sweep: %w: %w", errdefs.ErrStorage, err)
	}
	return nil
}
