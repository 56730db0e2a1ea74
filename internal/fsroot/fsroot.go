// Package fsroot confines file access to a single host directory.
//
// Paths handed to a Root are always relative to it (a leading "/" is
// ignored), and any path that would resolve outside the directory is
// rejected.
package fsroot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Mode defines the permission level for a root.
type Mode int

const (
	// ReadOnly allows only read operations.
	ReadOnly Mode = iota
	// ReadWrite allows writes to existing files.
	ReadWrite
	// ReadWriteCreate allows writes and creation of files and directories.
	ReadWriteCreate
)

var (
	ErrEscape     = errors.New("permission denied: path escape attempt")
	ErrReadOnly   = errors.New("permission denied: read-only root")
	ErrNoCreate   = errors.New("permission denied: cannot create new files")
	ErrEmptyPath  = errors.New("path required")
	ErrNotRegular = errors.New("not a regular file")
)

// Entry describes one file in a listing.
type Entry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Root is a directory with a permission mode.
type Root struct {
	dir  string
	mode Mode
}

// New returns a Root for dir. The directory must exist unless mode is
// ReadWriteCreate, in which case it is created.
func New(dir string, mode Mode) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}

	if mode == ReadWriteCreate {
		if err := os.MkdirAll(abs, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", abs, err)
		}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	return &Root{dir: abs, mode: mode}, nil
}

// Dir returns the absolute host directory.
func (r *Root) Dir() string {
	return r.dir
}

// Mode returns the permission mode.
func (r *Root) Mode() Mode {
	return r.mode
}

// Resolve maps a root-relative path to a host path.
func (r *Root) Resolve(name string, needWrite bool) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyPath
	}
	if needWrite && r.mode == ReadOnly {
		return "", ErrReadOnly
	}

	clean := filepath.Clean("/" + filepath.ToSlash(name))
	hostPath := filepath.Join(r.dir, filepath.FromSlash(clean))

	if !within(r.dir, hostPath) {
		return "", ErrEscape
	}

	// Symlinks inside the root must not point outside it. A path that does
	// not exist yet is checked through its deepest existing parent.
	rootResolved, err := filepath.EvalSymlinks(r.dir)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	for p := hostPath; ; p = filepath.Dir(p) {
		if _, err := os.Lstat(p); err == nil {
			resolved, err := filepath.EvalSymlinks(p)
			if err != nil || !within(rootResolved, resolved) {
				return "", ErrEscape
			}
			break
		}
		if p == r.dir || filepath.Dir(p) == p {
			break
		}
	}

	return hostPath, nil
}

// WriteFile stores data at name and returns the host path.
func (r *Root) WriteFile(name string, data []byte) (string, error) {
	hostPath, err := r.Resolve(name, true)
	if err != nil {
		return "", err
	}

	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) {
		if r.mode != ReadWriteCreate {
			return "", ErrNoCreate
		}
		if err := os.MkdirAll(filepath.Dir(hostPath), 0755); err != nil {
			return "", fmt.Errorf("mkdir error: %w", err)
		}
	}

	if err := os.WriteFile(hostPath, data, 0644); err != nil {
		return "", fmt.Errorf("write error: %w", err)
	}
	return hostPath, nil
}

// Open resolves name for reading and checks that it is a regular file.
func (r *Root) Open(name string) (string, error) {
	hostPath, err := r.Resolve(name, false)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", name, ErrNotRegular)
	}
	return hostPath, nil
}

// List returns the entries of a directory, sorted by name. An empty name
// lists the root itself.
func (r *Root) List(name string, ext string) ([]Entry, error) {
	hostPath := r.dir
	if name != "" && name != "/" && name != "." {
		var err error
		hostPath, err = r.Resolve(name, false)
		if err != nil {
			return nil, err
		}
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, err
	}

	result := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if ext != "" && !entry.IsDir() && filepath.Ext(entry.Name()) != ext {
			continue
		}
		item := Entry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			item.Size = info.Size()
			item.ModTime = info.ModTime()
		}
		result = append(result, item)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
