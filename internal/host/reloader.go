// Package host re-points the application's content root.
package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
)

// SymlinkReloader keeps a symlink pointing at the content root the application serves from.
type SymlinkReloader struct {
	link    string
	builtin string
}

// NewSymlinkReloader manages link. builtin is the content root used when no bundle is active.
func NewSymlinkReloader(link string, builtin string) *SymlinkReloader {
	return &SymlinkReloader{link: link, builtin: builtin}
}

// Reload atomically swaps the link to contentRoot, or to the builtin root when contentRoot is empty.
func (r *SymlinkReloader) Reload(ctx context.Context, contentRoot string) error {
	target := contentRoot
	if target == "" {
		target = r.builtin
	}
	if target == "" {
		return fmt.Errorf("host.SymlinkReloader.Reload: no content root and no builtin root: %w", errdefs.ErrConfig)
	}
	if err := os.MkdirAll(filepath.Dir(r.link), 0o755); err != nil {
		return fmt.Errorf("host.SymlinkReloader.Reload: %w: %w", errdefs.ErrStorage, err)
	}
	// A rename over the old link is atomic, so readers see either the old or the new root.
	tmp := r.link + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("host.SymlinkReloader.Reload: failed to create symlink: %w: %w", errdefs.ErrStorage, err)
	}
	if err := os.Rename(tmp, r.link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("host.SymlinkReloader.Reload: failed to replace %q: %w: %w", r.link, errdefs.ErrStorage, err)
	}
	logging.FromContext(ctx).InfoContext(ctx, "content root switched", "link", r.link, "target", target)
	return nil
}

// Current returns where the link points, or "" if it does not exist.
func (r *SymlinkReloader) Current() (string, error) {
	target, err := os.Readlink(r.link)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("host.SymlinkReloader.Current: %w: %w", errdefs.ErrStorage, err)
	}
	return target, nil
}
