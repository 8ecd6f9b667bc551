package copier

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/sigreer/multiflash/internal/manifest"
)

// HostFiles are entries the host OS or the firmware keeps on a board volume.
// They are never reported as stale.
var HostFiles = []string{
	".fseventsd",
	".metadata_never_index",
	".Trashes",
	".Spotlight-V100",
	"System Volume Information",
	".DS_Store",
	"._*",
	"boot_out.txt",
}

// Stale lists regular files under dest that no entry provides, skipping
// HostFiles at any depth. Paths are slash-separated, relative to dest and
// sorted. Nothing is removed.
func (c *Copier) Stale(ctx context.Context, dest string, entries []manifest.Entry) ([]string, error) {
	want := make(map[string]bool, len(entries))
	for _, e := range entries {
		want[e.Path] = true
	}

	var stale []string
	err := filepath.WalkDir(dest, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == dest {
			return nil
		}

		if manifest.Ignored(d.Name(), HostFiles) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dest, p)
		if err != nil {
			return err
		}
		if rel = filepath.ToSlash(rel); !want[rel] {
			stale = append(stale, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(stale)
	return stale, nil
}
