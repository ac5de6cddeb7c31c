package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pddg/liveupdate/internal/errdefs"
)

var identifierPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z._-]{0,127}$`)

// SanitizeInput checks that id is safe to use as a single path element.
func SanitizeInput(id string) (string, error) {
	if !identifierPattern.MatchString(id) || strings.Contains(id, "..") {
		return "", fmt.Errorf("security.SanitizeInput: %w: invalid identifier %q", errdefs.ErrUnsafePath, id)
	}
	return id, nil
}

// SanitizePath joins name onto base and fails if the result leaves base.
// Absolute names are rejected rather than re-rooted.
func SanitizePath(base, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("security.SanitizePath: %w: %q", errdefs.ErrUnsafePath, name)
	}
	base = filepath.Clean(base)
	target := filepath.Join(base, filepath.FromSlash(name))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("security.SanitizePath: %w: %q escapes %s", errdefs.ErrUnsafePath, name, base)
	}
	return target, nil
}
