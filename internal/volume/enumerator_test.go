package volume

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/multiflash/internal/config"
	"github.com/sigreer/multiflash/internal/logger"
)

var boardSignature = Signature{
	MountPrefixes: []string{"/media", "/Volumes"},
	Labels:        []string{"CIRCUITPY", "*BOOT"},
	VendorIDs:     []string{"239a"},
}

func TestSignatureMatches(t *testing.T) {
	tests := []struct {
		name string
		vol  Volume
		want bool
	}{
		{"label match", Volume{MountPath: "/media/pi/CIRCUITPY", Label: "CIRCUITPY", VendorID: "239a"}, true},
		{"mount basename match", Volume{MountPath: "/Volumes/CIRCUITPY"}, true},
		{"second board under udisks", Volume{MountPath: "/media/pi/CIRCUITPY1"}, true},
		{"second board under macOS", Volume{MountPath: "/Volumes/CIRCUITPY 1"}, true},
		{"tenth board", Volume{MountPath: "/Volumes/CIRCUITPY 10"}, true},
		{"suffix on another name", Volume{MountPath: "/media/BACKUP2"}, false},
		{"glob label", Volume{MountPath: "/media/RPI-RP2BOOT", Label: "RPI-RP2BOOT"}, true},
		{"outside prefixes", Volume{MountPath: "/home/CIRCUITPY", Label: "CIRCUITPY"}, false},
		{"prefix must be a directory", Volume{MountPath: "/mediax/CIRCUITPY", Label: "CIRCUITPY"}, false},
		{"wrong label", Volume{MountPath: "/media/BACKUP", Label: "BACKUP"}, false},
		{"wrong vendor", Volume{MountPath: "/media/CIRCUITPY", Label: "CIRCUITPY", VendorID: "2e8a"}, false},
		{"vendor with prefix and case", Volume{MountPath: "/media/CIRCUITPY", VendorID: "0x239A"}, true},
		{"unknown vendor allowed", Volume{MountPath: "/media/CIRCUITPY"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, boardSignature.Matches(tt.vol))
		})
	}
}

func TestDefaultSignatureMatchesSecondBoard(t *testing.T) {
	def := config.Default().Volumes
	sig := Signature{MountPrefixes: def.MountPrefixes, Labels: def.Labels, VendorIDs: def.VendorIDs}

	for _, mount := range []string{"/Volumes/CIRCUITPY", "/Volumes/CIRCUITPY 1", "/media/pi/CIRCUITPY1", "/run/media/pi/CIRCUITPY2"} {
		assert.True(t, sig.Matches(Volume{MountPath: mount}), mount)
	}
}

func TestEmptySignatureMatchesEverything(t *testing.T) {
	assert.True(t, Signature{}.Matches(Volume{MountPath: "/anything"}))
}

func TestVolumeName(t *testing.T) {
	assert.Equal(t, "CIRCUITPY", Volume{MountPath: "/media/x", Label: "CIRCUITPY"}.Name())
	assert.Equal(t, "CIRCUITPY1", Volume{MountPath: "/media/pi/CIRCUITPY1"}.Name())
}

func TestHostEnumeratorVolumes(t *testing.T) {
	r := fakeUdev(t, "sdb1", "8:17", circuitpyRecord)
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	e := &HostEnumerator{
		sig:  boardSignature,
		udev: r,
		log:  logger.NewTestLogger(),
		now:  func() time.Time { return at },
		partitions: func(context.Context, bool) ([]disk.PartitionStat, error) {
			return []disk.PartitionStat{
				{Device: "/dev/sda2", Mountpoint: "/", Fstype: "ext4"},
				{Device: "/dev/sdc1", Mountpoint: "/media/pi/CIRCUITPY1", Fstype: "vfat"},
				{Device: "/dev/sdb1", Mountpoint: "/media/pi/CIRCUITPY", Fstype: "vfat"},
				{Device: "/dev/sdd1", Mountpoint: "", Fstype: "vfat"},
			}, nil
		},
		usage: func(_ context.Context, path string) (*disk.UsageStat, error) {
			if path == "/media/pi/CIRCUITPY1" {
				return nil, errors.New("statfs: no such file")
			}
			return &disk.UsageStat{Path: path, Free: 900 * 1024}, nil
		},
	}

	vols, err := e.Volumes(context.Background())
	require.NoError(t, err)
	require.Len(t, vols, 2)

	assert.Equal(t, Volume{
		MountPath:    "/media/pi/CIRCUITPY",
		DeviceID:     "/dev/sdb1",
		FSType:       "vfat",
		Label:        "CIRCUITPY",
		Serial:       "DF6050A04B4E4C2D",
		VendorID:     "239a",
		FreeBytes:    900 * 1024,
		DiscoveredAt: at,
	}, vols[0])

	// no udev record: matched by mount name, no serial, unknown free space
	assert.Equal(t, "/media/pi/CIRCUITPY1", vols[1].MountPath)
	assert.Empty(t, vols[1].Serial)
	assert.Zero(t, vols[1].FreeBytes)
}

func TestHostEnumeratorSkipsNonUSB(t *testing.T) {
	r := fakeUdev(t, "sdb1", "8:17", "E:ID_BUS=ata\nE:ID_FS_LABEL=CIRCUITPY\n")

	e := &HostEnumerator{
		sig:  boardSignature,
		udev: r,
		log:  logger.NewTestLogger(),
		now:  time.Now,
		partitions: func(context.Context, bool) ([]disk.PartitionStat, error) {
			return []disk.PartitionStat{{Device: "/dev/sdb1", Mountpoint: "/media/CIRCUITPY"}}, nil
		},
		usage: func(context.Context, string) (*disk.UsageStat, error) {
			return &disk.UsageStat{}, nil
		},
	}

	vols, err := e.Volumes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vols)
}

func TestHostEnumeratorPartitionError(t *testing.T) {
	e := &HostEnumerator{
		log: logger.NewTestLogger(),
		now: time.Now,
		partitions: func(context.Context, bool) ([]disk.PartitionStat, error) {
			return nil, errors.New("open /proc/self/mountinfo: permission denied")
		},
	}

	_, err := e.Volumes(context.Background())
	assert.ErrorContains(t, err, "list partitions")
}
