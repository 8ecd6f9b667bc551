// Package copier writes a content manifest onto a board volume and verifies
// it byte for byte.
package copier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"

	"github.com/sigreer/multiflash/internal/flasherr"
	"github.com/sigreer/multiflash/internal/manifest"
)

const defaultBufferSize = 32 * 1024

// Phase is the part of a copy a progress report belongs to.
type Phase string

const (
	PhaseWrite  Phase = "write"
	PhaseVerify Phase = "verify"
)

// Progress is reported after every chunk and at every file boundary.
type Progress struct {
	Phase      Phase `json:"phase"`
	FilesDone  int   `json:"files_done"`
	FilesTotal int   `json:"files_total"`
	BytesDone  int64 `json:"bytes_done"`
	BytesTotal int64 `json:"bytes_total"`
}

// Fraction is the completed share of the current phase, 0 to 1.
func (p Progress) Fraction() float64 {
	if p.BytesTotal <= 0 {
		if p.FilesTotal <= 0 {
			return 0
		}
		return float64(p.FilesDone) / float64(p.FilesTotal)
	}
	return float64(p.BytesDone) / float64(p.BytesTotal)
}

type Result struct {
	Files   int           `json:"files"`
	Bytes   int64         `json:"bytes"`
	Elapsed time.Duration `json:"elapsed"`
}

// SpaceFunc reports the free bytes of the filesystem holding path.
type SpaceFunc func(ctx context.Context, path string) (uint64, error)

// DiskSpace reads free space through gopsutil.
func DiskSpace(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Copier copies files from a content root. It holds no per-copy state and
// may be shared by concurrent sessions.
type Copier struct {
	source  string
	space   SpaceFunc
	bufSize int
	log     zerolog.Logger
	now     func() time.Time
}

// New creates a copier reading from the content root source.
func New(source string, space SpaceFunc, log zerolog.Logger) *Copier {
	if space == nil {
		space = DiskSpace
	}
	return &Copier{
		source:  source,
		space:   space,
		bufSize: defaultBufferSize,
		log:     log,
		now:     time.Now,
	}
}

// Copy writes entries under dest, then re-reads every one and compares its
// SHA-256 with the manifest. The first failure aborts the copy and is
// returned as a *flasherr.Error. onProgress may be nil.
func (c *Copier) Copy(ctx context.Context, dest string, entries []manifest.Entry, onProgress func(Progress)) (*Result, error) {
	start := c.now()
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	if _, err := os.Stat(dest); err != nil {
		return nil, &flasherr.Error{Kind: flasherr.KindDeviceLost, Phase: "copying", Path: dest, Err: err}
	}

	if err := c.checkSpace(ctx, dest, entries); err != nil {
		return nil, err
	}

	total := manifest.TotalSize(entries)
	buf := make([]byte, c.bufSize)

	p := Progress{Phase: PhaseWrite, FilesTotal: len(entries), BytesTotal: total}
	onProgress(p)
	for _, e := range entries {
		if err := c.writeFile(ctx, dest, e, buf, &p, onProgress); err != nil {
			return nil, err
		}
		p.FilesDone++
		onProgress(p)
	}

	p = Progress{Phase: PhaseVerify, FilesTotal: len(entries), BytesTotal: total}
	onProgress(p)
	for _, e := range entries {
		if err := c.verifyFile(ctx, dest, e, buf, &p, onProgress); err != nil {
			return nil, err
		}
		p.FilesDone++
		onProgress(p)
	}

	return &Result{Files: len(entries), Bytes: total, Elapsed: c.now().Sub(start)}, nil
}

// checkSpace compares free space with the bytes still needed. Files already
// present count toward what they will be overwritten with.
func (c *Copier) checkSpace(ctx context.Context, dest string, entries []manifest.Entry) error {
	free, err := c.space(ctx, dest)
	if err != nil {
		return c.classify(ctx, "copying", dest, fmt.Errorf("free space: %w", err))
	}

	var needed uint64
	for _, e := range entries {
		existing := int64(0)
		if fi, err := os.Stat(filepath.Join(dest, filepath.FromSlash(e.Path))); err == nil && fi.Mode().IsRegular() {
			existing = fi.Size()
		}
		if e.Size > existing {
			needed += uint64(e.Size - existing)
		}
	}

	if needed > free {
		return &flasherr.Error{
			Kind:  flasherr.KindInsufficientSpace,
			Phase: "copying",
			Path:  dest,
			Err:   fmt.Errorf("need %s, %s free", humanize.IBytes(needed), humanize.IBytes(free)),
		}
	}
	return nil
}

func (c *Copier) writeFile(ctx context.Context, dest string, e manifest.Entry, buf []byte, p *Progress, onProgress func(Progress)) error {
	target := filepath.Join(dest, filepath.FromSlash(e.Path))

	src, err := os.Open(filepath.Join(c.source, filepath.FromSlash(e.Path)))
	if err != nil {
		return &flasherr.Error{Kind: flasherr.KindInternal, Phase: "copying", Path: e.Path, Err: err}
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return c.classify(ctx, "copying", e.Path, err)
	}

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return c.classify(ctx, "copying", e.Path, err)
	}

	for {
		if ctx.Err() != nil {
			dst.Close()
			return c.classify(ctx, "copying", e.Path, ctx.Err())
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				dst.Close()
				return c.classify(ctx, "copying", e.Path, werr)
			}
			p.BytesDone += int64(n)
			onProgress(*p)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			dst.Close()
			return &flasherr.Error{Kind: flasherr.KindInternal, Phase: "copying", Path: e.Path, Err: rerr}
		}
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		return c.classify(ctx, "copying", e.Path, err)
	}
	if err := dst.Close(); err != nil {
		return c.classify(ctx, "copying", e.Path, err)
	}

	// FAT has no permission bits
	if err := os.Chmod(target, e.Mode); err != nil {
		c.log.Debug().Err(err).Str("path", e.Path).Msg("Could not preserve file mode")
	}

	return nil
}

func (c *Copier) verifyFile(ctx context.Context, dest string, e manifest.Entry, buf []byte, p *Progress, onProgress func(Progress)) error {
	f, err := os.Open(filepath.Join(dest, filepath.FromSlash(e.Path)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// A missing file under a live root is a content problem, not a lost device
			if _, rootErr := os.Stat(dest); rootErr == nil {
				return &flasherr.Error{Kind: flasherr.KindVerificationMismatch, Phase: "verifying", Path: e.Path, Err: err}
			}
		}
		return c.classify(ctx, "verifying", e.Path, err)
	}
	defer f.Close()

	h := sha256.New()
	for {
		if ctx.Err() != nil {
			return c.classify(ctx, "verifying", e.Path, ctx.Err())
		}

		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			p.BytesDone += int64(n)
			onProgress(*p)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return c.classify(ctx, "verifying", e.Path, rerr)
		}
	}

	if sum := hex.EncodeToString(h.Sum(nil)); sum != e.SHA256 {
		return &flasherr.Error{
			Kind:  flasherr.KindVerificationMismatch,
			Phase: "verifying",
			Path:  e.Path,
			Err:   fmt.Errorf("sha256 %s, want %s", sum[:12], short(e.SHA256)),
		}
	}
	return nil
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// classify maps an I/O error on the destination to an error kind. A
// cancelled context wins over whatever the I/O reported.
func (c *Copier) classify(ctx context.Context, phase, path string, err error) error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		kind := flasherr.KindOf(cause)
		if kind == flasherr.KindInternal {
			kind = flasherr.KindAborted
		}
		return &flasherr.Error{Kind: kind, Phase: phase, Path: path, Err: cause}
	}

	switch {
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EDQUOT), errors.Is(err, unix.EFBIG):
		return &flasherr.Error{Kind: flasherr.KindInsufficientSpace, Phase: phase, Path: path, Err: err}
	default:
		return &flasherr.Error{Kind: flasherr.KindDeviceLost, Phase: phase, Path: path, Err: err}
	}
}
