package volume

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sigreer/multiflash/internal/cache"
)

// udevInfo is the subset of the udev database record we use to tell boards apart
type udevInfo struct {
	Serial   string // ID_SERIAL_SHORT, the USB iSerial string
	VendorID string // ID_VENDOR_ID
	Bus      string // ID_BUS: usb, ata, scsi
	Label    string // ID_FS_LABEL
	FSType   string // ID_FS_TYPE
}

// udevReader reads udev data directly (no udevadm process).
// Only present on Linux; elsewhere lookups fail and volumes carry no serial.
type udevReader struct {
	sysRoot  string // /sys
	udevRoot string // /run/udev/data
	cache    *cache.Cache[string, udevInfo]
}

func newUdevReader() *udevReader {
	return &udevReader{
		sysRoot:  "/sys",
		udevRoot: "/run/udev/data",
		cache:    cache.New[string, udevInfo](),
	}
}

// lookup returns udev properties for a block device such as /dev/sdb1
func (r *udevReader) lookup(device string) (udevInfo, error) {
	name := filepath.Base(device)

	// Read major:minor from sysfs
	data, err := os.ReadFile(filepath.Join(r.sysRoot, "class", "block", name, "dev"))
	if err != nil {
		return udevInfo{}, fmt.Errorf("read major:minor for %s: %w", name, err)
	}
	majMin := strings.TrimSpace(string(data))

	udevPath := filepath.Join(r.udevRoot, "b"+majMin)
	st, err := os.Stat(udevPath)
	if err != nil {
		return udevInfo{}, fmt.Errorf("udev record for %s: %w", name, err)
	}

	// Device names and numbers are reused across replugs, the record's
	// mtime is not.
	key := fmt.Sprintf("%s@%s@%d", name, majMin, st.ModTime().UnixNano())

	return r.cache.GetOrLoad(key, cache.TTLStatic, func(string) (udevInfo, error) {
		return parseUdevRecord(udevPath)
	})
}

// prune drops cached records past their TTL
func (r *udevReader) prune() int {
	return r.cache.Cleanup()
}

// parseUdevRecord parses E: lines of a udev database file
func parseUdevRecord(path string) (udevInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return udevInfo{}, err
	}
	defer file.Close()

	var info udevInfo
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()

		// Lines starting with E: are environment variables
		if !strings.HasPrefix(line, "E:") {
			continue
		}

		key, value, ok := strings.Cut(strings.TrimPrefix(line, "E:"), "=")
		if !ok {
			continue
		}

		switch key {
		case "ID_SERIAL_SHORT":
			info.Serial = value
		case "ID_VENDOR_ID":
			info.VendorID = value
		case "ID_BUS":
			info.Bus = value
		case "ID_FS_LABEL":
			info.Label = value
		case "ID_FS_TYPE":
			info.FSType = value
		}
	}

	return info, scanner.Err()
}
