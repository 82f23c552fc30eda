// Package toolfs provides the sandboxed tool surface the agents act
// through: a filesystem adapter confined to a whitelisted root, and a test
// runner that executes suites in a killable process group under a hard
// timeout.
package toolfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrPathEscape is returned for any path resolving outside the root,
// including escapes via symlinks.
var ErrPathEscape = errors.New("path escapes sandbox root")

// ErrDeniedPattern is returned when a path touches a denied component.
var ErrDeniedPattern = errors.New("path contains denied pattern")

// FSConfig configures the adapter.
type FSConfig struct {
	Root              string
	MaxFileSize       int64
	AllowedExtensions []string
	DenyPatterns      []string
}

// DefaultFSConfig sandboxes to root with 1MB files and source-ish types.
func DefaultFSConfig(root string) FSConfig {
	return FSConfig{
		Root:              root,
		MaxFileSize:       1_000_000,
		AllowedExtensions: []string{".go", ".py", ".txt", ".json", ".md", ".yaml", ".yml"},
		DenyPatterns:      []string{".git", ".env", "__pycache__", "node_modules"},
	}
}

// FS is the root-confined filesystem adapter. Every operation re-validates
// its path; there is no handle that outlives validation.
type FS struct {
	cfg  FSConfig
	root string
}

// NewFS resolves and creates the sandbox root.
func NewFS(cfg FSConfig) (*FS, error) {
	if cfg.Root == "" {
		return nil, errors.New("sandbox root required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 1_000_000
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	root, err := filepath.EvalSymlinks(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FS{cfg: cfg, root: abs}, nil
}

// Root returns the resolved sandbox root.
func (f *FS) Root() string { return f.root }

// resolve validates rel and returns its absolute path inside the root.
// Symlinks along the existing portion of the path are resolved first, so a
// link pointing outside the root is rejected even when the lexical join
// looks fine.
func (f *FS) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	joined := filepath.Join(f.root, rel)

	// Resolve the deepest existing ancestor; the tail may not exist yet.
	existing, tail := joined, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		tail = filepath.Join(filepath.Base(existing), tail)
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	full := filepath.Join(resolved, tail)

	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	for _, pattern := range f.cfg.DenyPatterns {
		for _, part := range strings.Split(full[len(f.root):], string(filepath.Separator)) {
			if part == pattern {
				return "", fmt.Errorf("%w: %s in %s", ErrDeniedPattern, pattern, rel)
			}
		}
	}
	return full, nil
}

func (f *FS) checkExtension(rel string) error {
	if len(f.cfg.AllowedExtensions) == 0 {
		return nil
	}
	ext := filepath.Ext(rel)
	for _, allowed := range f.cfg.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("extension %q not allowed for %s", ext, rel)
}

// Read returns the file contents, bounded by MaxFileSize.
func (f *FS) Read(rel string) ([]byte, error) {
	full, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.Size() > f.cfg.MaxFileSize {
		return nil, fmt.Errorf("file %s exceeds size limit (%d > %d)", rel, info.Size(), f.cfg.MaxFileSize)
	}
	return os.ReadFile(full)
}

// Write stores data atomically: temp file in the target directory, fsync,
// rename. Readers never observe a half-written file.
func (f *FS) Write(rel string, data []byte) error {
	if err := f.checkExtension(rel); err != nil {
		return err
	}
	if int64(len(data)) > f.cfg.MaxFileSize {
		return fmt.Errorf("write to %s exceeds size limit (%d > %d)", rel, len(data), f.cfg.MaxFileSize)
	}
	full, err := f.resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, full)
}

// List returns the sorted entry names of a directory.
func (f *FS) List(rel string) ([]string, error) {
	full, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a single file. Directories are refused.
func (f *FS) Delete(rel string) error {
	full, err := f.resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("refusing to delete directory %s", rel)
	}
	return os.Remove(full)
}

// Exists reports whether the path exists inside the sandbox.
func (f *FS) Exists(rel string) bool {
	full, err := f.resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}
