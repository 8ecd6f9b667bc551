package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sigreer/multiflash/internal/config"
	"github.com/sigreer/multiflash/internal/logger"
	"github.com/sigreer/multiflash/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "multiflash",
	Short: "Copy a content tree onto many USB boards at once",
	Long: `multiflash watches for USB microcontroller boards mounting as mass-storage
volumes, identifies each one from its marker files, copies a content tree
onto it and verifies every file by hash. Many boards are flashed in
parallel; boards unplugged mid-copy are retried when they come back.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/multiflash/config.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(volumesCmd)
	rootCmd.AddCommand(identifyCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads the configuration and builds the logger every command shares
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Log.Debug = true
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}

	return cfg, log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
