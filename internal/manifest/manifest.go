// Package manifest enumerates the content tree copied onto every board.
//
// A Manifest is built once at startup and only read afterwards, so it is
// shared between sessions without locking.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrEmpty is returned when the content tree has no files left after filtering.
var ErrEmpty = errors.New("content directory has no files to copy")

// Entry is one regular file of the content tree.
type Entry struct {
	// Path is slash-separated and relative to the content root
	Path   string      `json:"path"`
	Size   int64       `json:"size"`
	Mode   fs.FileMode `json:"mode"`
	SHA256 string      `json:"sha256"`
}

type Manifest struct {
	Root    string  `json:"root"`
	Entries []Entry `json:"entries"`
}

// Load walks root and hashes every regular file not matched by an ignore
// pattern. Patterns are globs matched against each path element, so "*.pyc"
// drops compiled files at any depth and "__pycache__" drops the whole
// directory. Entries are in lexical path order.
func Load(root string, ignore []string) (*Manifest, error) {
	for _, p := range ignore {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve content root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("content root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content root %s is not a directory", abs)
	}

	m := &Manifest{Root: abs}

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == abs {
			return nil
		}

		if Ignored(d.Name(), ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks, devices and sockets have no place on a board volume
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		sum, err := HashFile(p)
		if err != nil {
			return err
		}

		m.Entries = append(m.Entries, Entry{
			Path:   filepath.ToSlash(rel),
			Size:   fi.Size(),
			Mode:   fi.Mode().Perm(),
			SHA256: sum,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk content: %w", err)
	}

	if len(m.Entries) == 0 {
		return nil, ErrEmpty
	}

	return m, nil
}

// Ignored reports whether a single path element matches one of the globs.
func Ignored(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Select returns the entries whose path, or one of whose parent
// directories, matches an include glob. No globs selects everything.
func (m *Manifest) Select(include []string) []Entry {
	if len(include) == 0 {
		return m.Entries
	}

	var out []Entry
	for _, e := range m.Entries {
		if included(e.Path, include) {
			out = append(out, e)
		}
	}
	return out
}

func included(p string, patterns []string) bool {
	for candidate := p; candidate != "." && candidate != "/"; candidate = path.Dir(candidate) {
		for _, pattern := range patterns {
			if ok, _ := path.Match(strings.TrimSuffix(pattern, "/"), candidate); ok {
				return true
			}
		}
	}
	return false
}

// TotalSize sums the sizes of entries.
func TotalSize(entries []Entry) int64 {
	var n int64
	for _, e := range entries {
		n += e.Size
	}
	return n
}

// HashFile returns the hex SHA-256 of the file at p.
func HashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
