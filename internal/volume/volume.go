//go:generate mockgen -destination=mock_enumerator.go -package=volume github.com/sigreer/multiflash/internal/volume Enumerator

// Package volume discovers mounted removable volumes and turns successive
// enumerations into appeared/disappeared events.
package volume

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Volume is one mounted filesystem as seen by a single enumeration.
type Volume struct {
	MountPath    string    `json:"mount_path"`
	DeviceID     string    `json:"device_id"`
	FSType       string    `json:"fs_type,omitempty"`
	Label        string    `json:"label,omitempty"`
	Serial       string    `json:"serial,omitempty"`
	VendorID     string    `json:"vendor_id,omitempty"`
	FreeBytes    uint64    `json:"free_bytes"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Name is the label if known, else the last element of the mount path.
func (v Volume) Name() string {
	if v.Label != "" {
		return v.Label
	}
	return filepath.Base(v.MountPath)
}

// Enumerator lists the volumes currently mounted on the host.
type Enumerator interface {
	Volumes(ctx context.Context) ([]Volume, error)
}

// Signature decides which mounted volumes are flashing candidates.
// An empty list places no constraint on its field.
type Signature struct {
	MountPrefixes []string
	Labels        []string
	VendorIDs     []string
}

// Matches reports whether v fits the signature. A volume whose vendor id
// the host does not expose is not rejected by the vendor filter.
func (s Signature) Matches(v Volume) bool {
	if len(s.MountPrefixes) > 0 && !hasMountPrefix(v.MountPath, s.MountPrefixes) {
		return false
	}

	if len(s.Labels) > 0 {
		matched := false
		for _, pattern := range s.Labels {
			if globMatch(pattern, v.Label) || matchMountName(pattern, v.MountPath) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(s.VendorIDs) > 0 && v.VendorID != "" {
		vendor := normalizeHex(v.VendorID)
		for _, id := range s.VendorIDs {
			if normalizeHex(id) == vendor {
				return true
			}
		}
		return false
	}

	return true
}

func hasMountPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// dupSuffix is what automounters append when a second volume has the same
// label: "CIRCUITPY1" (udisks) or "CIRCUITPY 1" (macOS).
var dupSuffix = regexp.MustCompile(`^(.+?) ?[0-9]+$`)

// matchMountName matches pattern against the last element of the mount
// path, with and without a duplicate-label suffix.
func matchMountName(pattern, mountPath string) bool {
	name := filepath.Base(mountPath)
	if globMatch(pattern, name) {
		return true
	}
	if m := dupSuffix.FindStringSubmatch(name); m != nil {
		return globMatch(pattern, m[1])
	}
	return false
}

func globMatch(pattern, name string) bool {
	if name == "" {
		return false
	}
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

// normalizeHex turns "0x239A" and "239a" into the same form
func normalizeHex(s string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
}
