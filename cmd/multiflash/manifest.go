package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/multiflash/internal/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "List the files that would be copied onto each board",
	Run:   runManifest,
}

func init() {
	manifestCmd.Flags().StringP("content", "C", "", "Content directory (overrides config)")
	manifestCmd.Flags().StringSlice("include", nil, "Only list entries matching these patterns, as a board type would")
	manifestCmd.Flags().Bool("json", false, "Output as JSON")
}

func runManifest(cmd *cobra.Command, args []string) {
	cfg, _ := setup(cmd)
	if cmd.Flags().Changed("content") {
		cfg.Content = mustString(cmd, "content")
	}
	include, _ := cmd.Flags().GetStringSlice("include")
	jsonOut, _ := cmd.Flags().GetBool("json")

	m, err := manifest.Load(cfg.Content, cfg.Ignore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading content: %v\n", err)
		os.Exit(1)
	}

	entries := m.Select(include)
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
			os.Exit(1)
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tSIZE\tMODE\tSHA256")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Path, humanize.IBytes(uint64(e.Size)), e.Mode, e.SHA256[:12])
	}
	w.Flush()

	fmt.Printf("\n%d files, %s from %s\n", len(entries), humanize.IBytes(uint64(manifest.TotalSize(entries))), m.Root)
}
