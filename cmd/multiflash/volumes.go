package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/multiflash/internal/logger"
	"github.com/sigreer/multiflash/internal/volume"
)

var volumesCmd = &cobra.Command{
	Use:   "volumes",
	Short: "List mounted volumes that look like boards",
	Long: `Enumerate mounted volumes once and list those matching the configured
volume signature (mount prefixes, labels and USB vendor ids).

Use --all to list every mounted volume regardless of the signature.`,
	Run: runVolumes,
}

func init() {
	volumesCmd.Flags().Bool("json", false, "Output as JSON")
	volumesCmd.Flags().BoolP("all", "a", false, "Ignore the volume signature")
}

func runVolumes(cmd *cobra.Command, args []string) {
	cfg, log := setup(cmd)
	jsonOut, _ := cmd.Flags().GetBool("json")
	all, _ := cmd.Flags().GetBool("all")

	sig := signature(cfg)
	if all {
		sig = volume.Signature{}
	}

	vols, err := volume.NewHostEnumerator(sig, logger.WithComponent(log, "volume")).Volumes(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing volumes: %v\n", err)
		os.Exit(1)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(vols); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if len(vols) == 0 {
		fmt.Println("No matching volumes")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MOUNT\tDEVICE\tLABEL\tFS\tVENDOR\tSERIAL\tFREE")
	for _, v := range vols {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.MountPath, v.DeviceID, dash(v.Label), dash(v.FSType), dash(v.VendorID), dash(v.Serial),
			humanize.IBytes(v.FreeBytes))
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
