package safety

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Scope says how much of the file system an allow-list rule opens up.
type Scope int

const (
	// ScopeDirectory allows the directory and everything beneath it.
	ScopeDirectory Scope = iota
	// ScopeFile allows a single named file inside its parent directory.
	ScopeFile
)

func (s Scope) String() string {
	if s == ScopeFile {
		return "file"
	}
	return "directory"
}

// ParseScope converts a config value into a Scope.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "", "directory", "dir":
		return ScopeDirectory, nil
	case "file":
		return ScopeFile, nil
	}
	return 0, fmt.Errorf("unknown allow-list scope %q", s)
}

// Rule is one allow-list entry.
type Rule struct {
	Path  string
	Scope Scope
}

// Resolver maps a caller supplied directory onto a directory that transfers
// may use. Anything that is not under the base directory or an allow-listed
// location resolves to the base directory.
type Resolver struct {
	base   string
	dirs   []string
	files  []Rule
	logger *slog.Logger

	onFallback func(requested string)
}

// NewResolver canonicalizes base and every rule once. Relative rule paths are
// taken relative to base. Rules are deduplicated by canonical path and scope,
// keeping the first occurrence.
func NewResolver(base string, rules []Rule, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if base == "" {
		return nil, fmt.Errorf("base directory is empty")
	}

	canonBase, err := Canonicalize(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	r := &Resolver{base: canonBase, logger: logger}
	seen := make(map[string]bool)
	for _, rule := range rules {
		p := rule.Path
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(canonBase, p)
		}
		canon, err := Canonicalize(p)
		if err != nil {
			logger.Warn("skipping allow-list entry", "path", rule.Path, "error", err)
			continue
		}
		key := rule.Scope.String() + ":" + canon
		if seen[key] {
			logger.Debug("duplicate allow-list entry", "path", canon, "scope", rule.Scope)
			continue
		}
		seen[key] = true

		if rule.Scope == ScopeFile {
			r.files = append(r.files, Rule{Path: canon, Scope: ScopeFile})
		} else {
			r.dirs = append(r.dirs, canon)
		}
	}

	return r, nil
}

// Base returns the canonical sandbox root.
func (r *Resolver) Base() string {
	return r.base
}

// OnFallback registers fn to be called whenever a non-empty request is
// replaced by the base directory.
func (r *Resolver) OnFallback(fn func(requested string)) {
	r.onFallback = fn
}

// Rules returns the canonical allow-list in evaluation order.
func (r *Resolver) Rules() []Rule {
	out := make([]Rule, 0, len(r.dirs)+len(r.files))
	for _, d := range r.dirs {
		out = append(out, Rule{Path: d, Scope: ScopeDirectory})
	}
	return append(out, r.files...)
}

// Resolve returns the directory a transfer for filename may use when the
// caller asked for requested. It never fails: every ambiguity, canonicalization
// error or mkdir failure falls back to the base directory. The returned
// directory exists on disk.
func (r *Resolver) Resolve(requested, filename string) string {
	if requested == "" {
		return r.fallback("", nil)
	}

	p := requested
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.base, p)
	}
	canon, err := Canonicalize(p)
	if err != nil {
		return r.fallback(requested, err)
	}

	if within(r.base, canon) {
		return r.allow(requested, canon)
	}

	for _, dir := range r.dirs {
		if within(dir, canon) {
			return r.allow(requested, canon)
		}
	}

	if filename != "" {
		name := filepath.Base(filename)
		for _, f := range r.files {
			if filepath.Base(f.Path) == name && filepath.Dir(f.Path) == canon {
				return r.allow(requested, canon)
			}
		}
	}

	return r.fallback(requested, nil)
}

func (r *Resolver) allow(requested, dir string) string {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return r.fallback(requested, err)
	}
	return dir
}

func (r *Resolver) fallback(requested string, cause error) string {
	if err := os.MkdirAll(r.base, 0755); err != nil {
		r.logger.Error("failed to create base directory", "path", r.base, "error", err)
	}
	if requested != "" {
		attrs := []any{"requested", requested, "using", r.base}
		if cause != nil {
			attrs = append(attrs, "error", cause)
		}
		r.logger.Warn("path is not allowed, using the default directory", attrs...)
		if r.onFallback != nil {
			r.onFallback(requested)
		}
	}
	return r.base
}

// Canonicalize returns an absolute, cleaned path with symlinks evaluated for
// the longest prefix that exists. The remainder, which does not exist yet, is
// appended unchanged.
func Canonicalize(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL byte")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing := abs
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

// within reports whether candidate equals root or lies beneath it.
func within(root, candidate string) bool {
	if root == candidate {
		return true
	}
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// BaseName reduces a caller supplied file name to its final element. It
// returns an empty string for names that do not name a file.
func BaseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.FromSlash(name))
	switch base {
	case ".", "..", string(filepath.Separator), "":
		return ""
	}
	return base
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}
	if !within(rootAbs, candAbs) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}
