// Package security holds the checks applied before writing files whose names
// come from runtime data such as session ids.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideDir is returned when a path resolves outside its directory.
var ErrOutsideDir = errors.New("path escapes directory")

const maxFilenameLen = 96

// canonical resolves symlinks in the longest existing prefix of p.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	rest := ""
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

// WithinDir returns ErrOutsideDir unless path, after cleaning and symlink
// resolution, lies inside dir. Neither needs to exist yet.
func WithinDir(path, dir string) error {
	p, err := canonical(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	d, err := canonical(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}
	rel, err := filepath.Rel(d, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s not in %s", ErrOutsideDir, path, dir)
	}
	return nil
}

// SanitizeFilename maps s to a name made of ASCII letters, digits, dot,
// underscore and dash. Runs of other characters become one underscore.
func SanitizeFilename(s string) string {
	var b strings.Builder
	under := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		ok := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		switch {
		case ok:
			b.WriteRune(r)
			under = false
		case !under:
			b.WriteByte('_')
			under = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
