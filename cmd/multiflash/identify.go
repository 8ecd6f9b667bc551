package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sigreer/multiflash/internal/board"
	"github.com/sigreer/multiflash/internal/copier"
	"github.com/sigreer/multiflash/internal/logger"
	"github.com/sigreer/multiflash/internal/volume"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <mount>",
	Short: "Identify the board mounted at a path",
	Long: `Read the marker files of a mounted volume and report which board type it
is, along with its serial number, board id and firmware version.

Examples:
  multiflash identify /media/CIRCUITPY
  multiflash identify /media/CIRCUITPY -o table
  multiflash identify /media/CIRCUITPY --quiet      # Board key only`,
	Args: cobra.ExactArgs(1),
	Run:  runIdentify,
}

func init() {
	identifyCmd.Flags().StringP("output", "o", "json", "Output format: json, table")
	identifyCmd.Flags().BoolP("quiet", "q", false, "Only output the board key")
}

func runIdentify(cmd *cobra.Command, args []string) {
	cfg, log := setup(cmd)
	outputFmt, _ := cmd.Flags().GetString("output")
	quiet, _ := cmd.Flags().GetBool("quiet")

	mount, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid path: %v\n", err)
		os.Exit(1)
	}

	types, err := board.CompileTypes(cfg.Boards)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in board types: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	v := lookupVolume(ctx, mount, log)

	ident := board.NewIdentifier(types, cfg.Retry.IdentifyTimeout, logger.WithComponent(log, "identify"))
	b, err := ident.Identify(ctx, v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Not identified: %v\n", err)
		os.Exit(1)
	}

	// Output based on format
	if quiet {
		board.PrintQuiet(os.Stdout, b)
		return
	}

	switch outputFmt {
	case "table":
		board.PrintTable(os.Stdout, b)
	default:
		if err := board.PrintJSON(os.Stdout, b); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
			os.Exit(1)
		}
	}
}

// lookupVolume finds mount among the host's volumes so USB metadata is
// available. Paths that are not a mount point are identified as plain
// directories.
func lookupVolume(ctx context.Context, mount string, log zerolog.Logger) volume.Volume {
	vols, err := volume.NewHostEnumerator(volume.Signature{}, logger.WithComponent(log, "volume")).Volumes(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Volume enumeration failed")
	}
	for _, v := range vols {
		if v.MountPath == mount {
			return v
		}
	}

	v := volume.Volume{MountPath: mount, DiscoveredAt: time.Now()}
	if free, err := copier.DiskSpace(ctx, mount); err == nil {
		v.FreeBytes = free
	}
	return v
}
