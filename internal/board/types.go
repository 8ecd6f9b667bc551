// Package board classifies a mounted volume as one of the configured board
// types.
package board

import (
	"fmt"
	"regexp"

	"github.com/sigreer/multiflash/internal/config"
	"github.com/sigreer/multiflash/internal/volume"
)

// Type is a compiled config.BoardType.
type Type struct {
	Name       string
	Marker     string
	MinVersion string
	Include    []string
	Ignore     bool

	match   *regexp.Regexp
	version *regexp.Regexp
	serial  *regexp.Regexp
	boardID *regexp.Regexp
}

// CompileTypes compiles the patterns of every board type, keeping their order.
// Earlier types win when several match a volume.
func CompileTypes(defs []config.BoardType) ([]Type, error) {
	types := make([]Type, 0, len(defs))
	for _, d := range defs {
		t := Type{
			Name:       d.Name,
			Marker:     d.Marker,
			MinVersion: d.MinVersion,
			Include:    d.Include,
			Ignore:     d.Ignore,
		}

		var err error
		if t.match, err = compileOptional(d.Match); err != nil {
			return nil, fmt.Errorf("board %s: match: %w", d.Name, err)
		}
		if t.version, err = compileOptional(d.Version); err != nil {
			return nil, fmt.Errorf("board %s: version: %w", d.Name, err)
		}
		if t.serial, err = compileOptional(d.Serial); err != nil {
			return nil, fmt.Errorf("board %s: serial: %w", d.Name, err)
		}
		if t.boardID, err = compileOptional(d.BoardID); err != nil {
			return nil, fmt.Errorf("board %s: board_id: %w", d.Name, err)
		}

		types = append(types, t)
	}
	return types, nil
}

func compileOptional(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(expr)
}

// matches reports whether marker content belongs to this type. A type
// without a match pattern accepts any content of its marker file.
func (t *Type) matches(content []byte) bool {
	return t.match == nil || t.match.Match(content)
}

func submatch(re *regexp.Regexp, content []byte) string {
	if re == nil {
		return ""
	}
	m := re.FindSubmatch(content)
	if len(m) < 2 {
		return ""
	}
	return string(m[1])
}

// Board is an identified flashing target.
type Board struct {
	// Key is the serial when known; otherwise unique to the mount event
	Key     string        `json:"key"`
	Type    string        `json:"type"`
	Serial  string        `json:"serial,omitempty"`
	BoardID string        `json:"board_id,omitempty"`
	Version string        `json:"version,omitempty"`
	Warning string        `json:"warning,omitempty"`
	Include []string      `json:"include,omitempty"`
	Volume  volume.Volume `json:"volume"`
}

// HasSerial reports whether the board can be recognised after a remount.
func (b *Board) HasSerial() bool {
	return b.Serial != ""
}

// Label is a short human name: board id or type, plus the serial when known.
func (b *Board) Label() string {
	name := b.BoardID
	if name == "" {
		name = b.Type
	}
	if b.Serial != "" {
		return name + " " + b.Serial
	}
	return name + " " + b.Volume.Name()
}

// KeyFor returns the identity key for a volume: its serial if known,
// otherwise a key unique to this mount path and appearance.
func KeyFor(v volume.Volume, serial string) string {
	if serial != "" {
		return serial
	}
	return fmt.Sprintf("vol:%s@%d", v.MountPath, v.DiscoveredAt.UnixNano())
}
