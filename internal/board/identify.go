package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/sigreer/multiflash/internal/flasherr"
	"github.com/sigreer/multiflash/internal/volume"
)

// markerLimit caps how much of a marker file is read
const markerLimit = 64 * 1024

// Identifier reads marker files from a volume's root to classify it.
type Identifier struct {
	types   []Type
	timeout time.Duration
	log     zerolog.Logger
}

// NewIdentifier creates an identifier. Each filesystem read is bounded by
// timeout; a zero timeout disables the bound.
func NewIdentifier(types []Type, timeout time.Duration, log zerolog.Logger) *Identifier {
	return &Identifier{types: types, timeout: timeout, log: log}
}

// Identify classifies v. It fails with flasherr.KindIdentifyTimeout when the
// volume cannot be read (yet) and flasherr.KindNotABoard when it was read
// but no flashable board type matched.
func (id *Identifier) Identify(ctx context.Context, v volume.Volume) (*Board, error) {
	names, err := bounded(ctx, id.timeout, func() ([]string, error) {
		return listRoot(v.MountPath)
	})
	if err != nil {
		return nil, id.readError(ctx, err, v.MountPath)
	}

	for i := range id.types {
		t := &id.types[i]

		name, ok := findName(names, t.Marker)
		if !ok {
			continue
		}

		markerPath := filepath.Join(v.MountPath, name)
		content, err := bounded(ctx, id.timeout, func() ([]byte, error) {
			return readMarker(markerPath)
		})
		if err != nil {
			return nil, id.readError(ctx, err, markerPath)
		}

		if !t.matches(content) {
			continue
		}

		if t.Ignore {
			id.log.Debug().Str("mount", v.MountPath).Str("type", t.Name).Msg("Volume recognised but not flashable")
			return nil, &flasherr.Error{
				Kind:  flasherr.KindNotABoard,
				Phase: "identifying",
				Path:  v.MountPath,
				Err:   fmt.Errorf("%s volume", t.Name),
			}
		}

		return id.describe(t, v, content), nil
	}

	return nil, &flasherr.Error{
		Kind:  flasherr.KindNotABoard,
		Phase: "identifying",
		Path:  v.MountPath,
		Err:   flasherr.ErrNotABoard,
	}
}

func (id *Identifier) describe(t *Type, v volume.Volume, content []byte) *Board {
	b := &Board{
		Type:    t.Name,
		Serial:  v.Serial,
		BoardID: submatch(t.boardID, content),
		Version: submatch(t.version, content),
		Include: t.Include,
		Volume:  v,
	}
	if b.Serial == "" {
		b.Serial = submatch(t.serial, content)
	}
	b.Key = KeyFor(v, b.Serial)

	if t.MinVersion != "" && b.Version != "" {
		if older, ok := olderThan(b.Version, t.MinVersion); ok && older {
			b.Warning = fmt.Sprintf("firmware %s is older than %s", b.Version, t.MinVersion)
			id.log.Warn().Str("board", b.Key).Str("version", b.Version).Str("min_version", t.MinVersion).
				Msg("Board firmware older than required")
		} else if !ok {
			id.log.Debug().Str("board", b.Key).Str("version", b.Version).Msg("Unparseable firmware version")
		}
	}

	return b
}

// olderThan compares two dotted versions. ok is false when either does
// not parse as a semantic version.
func olderThan(version, minimum string) (older, ok bool) {
	v, m := canonical(version), canonical(minimum)
	if !semver.IsValid(v) || !semver.IsValid(m) {
		return false, false
	}
	return semver.Compare(v, m) < 0, true
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// readError classifies a failed read during identification
func (id *Identifier) readError(ctx context.Context, err error, path string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return &flasherr.Error{
		Kind:  flasherr.KindIdentifyTimeout,
		Phase: "identifying",
		Path:  path,
		Err:   err,
	}
}

var errReadTimeout = errors.New("read timed out")

// bounded runs fn and gives up after timeout or when ctx is done. A read
// stuck in the kernel keeps its goroutine until the read returns.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	var zero T
	if ctx.Err() != nil {
		return zero, context.Cause(ctx)
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-expired:
		return zero, errReadTimeout
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	}
}

func listRoot(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func readMarker(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, markerLimit))
}

// findName looks marker up case-insensitively; FAT volumes do not preserve case reliably
func findName(names []string, marker string) (string, bool) {
	for _, n := range names {
		if strings.EqualFold(n, marker) {
			return n, true
		}
	}
	return "", false
}
