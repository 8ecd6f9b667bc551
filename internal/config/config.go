package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sigreer/multiflash/internal/logger"
)

type Config struct {
	// Content is the directory tree copied onto every board
	Content      string        `yaml:"content"`
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce"`

	// QuietPeriod ends the run once nothing happened for this long (0 = until interrupted)
	QuietPeriod time.Duration `yaml:"quiet_period,omitempty"`

	// Expect ends the run once this many boards finished (0 = unlimited)
	Expect      int           `yaml:"expect,omitempty"`
	ReflashDone bool          `yaml:"reflash_done,omitempty"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	Retry       Retry         `yaml:"retry"`
	Volumes     Volumes       `yaml:"volumes"`
	Ignore      []string      `yaml:"ignore"`
	Boards      []BoardType   `yaml:"boards"`
	History     History       `yaml:"history"`

	// Events is an optional JSON-lines file receiving one record per state transition
	Events string        `yaml:"events,omitempty"`
	Log    logger.Config `yaml:"log"`
}

type Retry struct {
	IdentifyAttempts  int           `yaml:"identify_attempts"`
	IdentifyDelay     time.Duration `yaml:"identify_delay"`
	IdentifyTimeout   time.Duration `yaml:"identify_timeout"`
	DeviceLostRetries int           `yaml:"device_lost_retries"`
	GraceWindow       time.Duration `yaml:"grace_window"`
}

// Volumes is the signature a mounted volume must match to be considered.
// Empty lists match everything.
type Volumes struct {
	MountPrefixes []string `yaml:"mount_prefixes"`
	Labels        []string `yaml:"labels"`
	VendorIDs     []string `yaml:"vendor_ids"`
}

// BoardType describes how to recognise one kind of board from its marker file.
type BoardType struct {
	Name   string `yaml:"name"`
	Marker string `yaml:"marker"`
	// Match must match the marker content for the type to apply
	Match      string   `yaml:"match"`
	Version    string   `yaml:"version,omitempty"`
	Serial     string   `yaml:"serial,omitempty"`
	BoardID    string   `yaml:"board_id,omitempty"`
	MinVersion string   `yaml:"min_version,omitempty"`
	Include    []string `yaml:"include,omitempty"`
	// Ignore recognises the volume but never flashes it
	Ignore bool `yaml:"ignore,omitempty"`
}

type History struct {
	Path string `yaml:"path,omitempty"`
}

// DefaultBoards cover CircuitPython boards and UF2 bootloader volumes.
var DefaultBoards = []BoardType{
	{
		Name:       "circuitpython",
		Marker:     "boot_out.txt",
		Match:      `Adafruit CircuitPython`,
		Version:    `(?m)^Adafruit CircuitPython (\S+) on`,
		Serial:     `(?m)^UID:([0-9A-Fa-f]+)`,
		BoardID:    `(?m)^Board ID:\s*(\S+)`,
		MinVersion: "7.2.5",
	},
	{
		Name:    "uf2-bootloader",
		Marker:  "INFO_UF2.TXT",
		Match:   `UF2 Bootloader`,
		Version: `(?m)^UF2 Bootloader (\S+)`,
		BoardID: `(?m)^Board-ID:\s*(\S+)`,
		Ignore:  true,
	},
}

// defaultConfig provides baseline settings for a CircuitPython flashing station
var defaultConfig = Config{
	Content:      "content",
	Concurrency:  4,
	PollInterval: time.Second,
	Debounce:     time.Second,
	SettleDelay:  2 * time.Second,
	Retry: Retry{
		IdentifyAttempts:  5,
		IdentifyDelay:     500 * time.Millisecond,
		IdentifyTimeout:   2 * time.Second,
		DeviceLostRetries: 2,
		GraceWindow:       10 * time.Second,
	},
	Volumes: Volumes{
		MountPrefixes: []string{"/media", "/run/media", "/mnt", "/Volumes"},
		Labels:        []string{"CIRCUITPY", "*BOOT"},
		VendorIDs:     []string{"239a"},
	},
	Ignore: []string{".DS_Store", "__pycache__", "*.pyc", "._*", ".*"},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	cfg := defaultConfig
	cfg.Boards = append([]BoardType(nil), DefaultBoards...)
	cfg.Log = *logger.DefaultConfig()
	return &cfg
}

func Load(path string) (*Config, error) {
	if path == "" {
		// Try default locations
		candidates := []string{
			"/etc/multiflash/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/multiflash/config.yaml"),
			"multiflash.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// Keys absent from the file keep their default values
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// Apply defaults for values a file may blank out
	if cfg.Content == "" {
		cfg.Content = defaultConfig.Content
	}
	if len(cfg.Boards) == 0 {
		cfg.Boards = append([]BoardType(nil), DefaultBoards...)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges and that every board pattern compiles.
func (c *Config) Validate() error {
	var errs []error

	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive"))
	}
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce must not be negative"))
	}
	if c.Retry.IdentifyAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.identify_attempts must be at least 1"))
	}
	if c.Retry.DeviceLostRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.device_lost_retries must not be negative"))
	}
	if len(c.Boards) == 0 {
		errs = append(errs, errors.New("at least one board type is required"))
	}

	seen := make(map[string]bool)
	for i, b := range c.Boards {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("boards[%d]: name is required", i))
		} else if seen[b.Name] {
			errs = append(errs, fmt.Errorf("boards[%d]: duplicate name %q", i, b.Name))
		}
		seen[b.Name] = true
		if b.Marker == "" {
			errs = append(errs, fmt.Errorf("board %q: marker is required", b.Name))
		}
		for field, expr := range map[string]string{"match": b.Match, "version": b.Version, "serial": b.Serial, "board_id": b.BoardID} {
			if expr == "" {
				continue
			}
			if _, err := regexp.Compile(expr); err != nil {
				errs = append(errs, fmt.Errorf("board %q: invalid %s pattern: %w", b.Name, field, err))
			}
		}
	}

	return errors.Join(errs...)
}
