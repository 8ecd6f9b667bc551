package volume

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// HostEnumerator lists mounted volumes through gopsutil and enriches them
// with USB metadata from udev.
type HostEnumerator struct {
	sig  Signature
	udev *udevReader
	log  zerolog.Logger

	partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
	now        func() time.Time
}

// NewHostEnumerator creates an enumerator that keeps only volumes matching sig.
func NewHostEnumerator(sig Signature, log zerolog.Logger) *HostEnumerator {
	return &HostEnumerator{
		sig:        sig,
		udev:       newUdevReader(),
		log:        log,
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
		now:        time.Now,
	}
}

// Volumes returns the matching volumes, sorted by mount path.
func (e *HostEnumerator) Volumes(ctx context.Context) ([]Volume, error) {
	parts, err := e.partitions(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	// udev records of unplugged boards stay keyed by their old mtime
	if n := e.udev.prune(); n > 0 {
		e.log.Debug().Int("pruned", n).Int("cached", e.udev.cache.Len()).Msg("Expired udev records dropped")
	}

	now := e.now()
	var vols []Volume

	for _, p := range parts {
		if p.Mountpoint == "" {
			continue
		}

		v := Volume{
			MountPath:    p.Mountpoint,
			DeviceID:     p.Device,
			FSType:       p.Fstype,
			DiscoveredAt: now,
		}

		if info, err := e.udev.lookup(p.Device); err == nil {
			if info.Bus != "" && info.Bus != "usb" {
				continue
			}
			v.Serial = info.Serial
			v.VendorID = info.VendorID
			v.Label = info.Label
			if info.FSType != "" && v.FSType == "" {
				v.FSType = info.FSType
			}
		}

		if !e.sig.Matches(v) {
			continue
		}

		if u, err := e.usage(ctx, p.Mountpoint); err == nil {
			v.FreeBytes = u.Free
		} else {
			e.log.Debug().Err(err).Str("mount", p.Mountpoint).Msg("Free space unavailable")
		}

		vols = append(vols, v)
	}

	sort.Slice(vols, func(i, j int) bool { return vols[i].MountPath < vols[j].MountPath })

	return vols, nil
}
