package board

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// PrintJSON outputs the board as JSON
func PrintJSON(w io.Writer, b *Board) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}

// PrintTable outputs the board as a formatted table
func PrintTable(w io.Writer, b *Board) {
	fmt.Fprintf(w, "Mount:      %s\n", b.Volume.MountPath)
	fmt.Fprintf(w, "Matched As: %s\n", b.Type)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-20s %s\n", "FIELD", "VALUE")
	fmt.Fprintln(w, strings.Repeat("-", 60))

	printField(w, "Key", b.Key)
	printField(w, "Serial", b.Serial)
	printField(w, "Board ID", b.BoardID)
	printField(w, "Firmware", b.Version)
	printField(w, "Warning", b.Warning)
	if len(b.Include) > 0 {
		printField(w, "Content Subset", strings.Join(b.Include, ", "))
	}

	// Volume info
	v := b.Volume
	printField(w, "Device", v.DeviceID)
	printField(w, "Label", v.Label)
	printField(w, "FS Type", v.FSType)
	printField(w, "USB Vendor", v.VendorID)
	if v.FreeBytes > 0 {
		printField(w, "Free", humanize.IBytes(v.FreeBytes))
	}
}

// printField prints a field if value is non-empty
func printField(w io.Writer, label, value string) {
	if value != "" {
		fmt.Fprintf(w, "%-20s %s\n", label, value)
	}
}

// PrintQuiet outputs only the board key
func PrintQuiet(w io.Writer, b *Board) {
	fmt.Fprintln(w, b.Key)
}
