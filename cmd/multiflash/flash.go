package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sigreer/multiflash/internal/board"
	"github.com/sigreer/multiflash/internal/config"
	"github.com/sigreer/multiflash/internal/copier"
	"github.com/sigreer/multiflash/internal/history"
	"github.com/sigreer/multiflash/internal/logger"
	"github.com/sigreer/multiflash/internal/manifest"
	"github.com/sigreer/multiflash/internal/orchestrator"
	"github.com/sigreer/multiflash/internal/session"
	"github.com/sigreer/multiflash/internal/status"
	"github.com/sigreer/multiflash/internal/volume"
)

// progressInterval throttles progress updates per session
const progressInterval = 200 * time.Millisecond

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Flash every board that is plugged in",
	Long: `Watch for boards and copy the content tree onto each one.

The run continues until interrupted, until --expect boards are done, or
until nothing has happened for --quiet-period. The first interrupt stops
accepting boards and waits for those in progress; a second one aborts them.

The exit status is 0 when every board finished and verified, 1 otherwise.

Examples:
  multiflash flash --content ./code
  multiflash flash --content ./code --expect 12 --concurrency 6
  multiflash flash --quiet-period 30s --json > run.json`,
	Run: runFlash,
}

func init() {
	flashCmd.Flags().StringP("content", "C", "", "Content directory to copy onto each board")
	flashCmd.Flags().IntP("concurrency", "j", 0, "Maximum number of boards flashed at once")
	flashCmd.Flags().IntP("expect", "n", 0, "End the run after this many boards are done")
	flashCmd.Flags().Duration("quiet-period", 0, "End the run after this long with no board activity")
	flashCmd.Flags().Bool("reflash", false, "Flash boards again when re-mounted after finishing")
	flashCmd.Flags().String("mode", string(status.ModeAuto), "Display mode: auto, terminal, lines, quiet")
	flashCmd.Flags().Bool("json", false, "Print the summary as JSON")
	flashCmd.Flags().String("events", "", "Append one JSON line per state transition to this file (- for stdout)")
	flashCmd.Flags().String("history", "", "SQLite database recording runs and sessions")
}

func runFlash(cmd *cobra.Command, args []string) {
	cfg, log := setup(cmd)
	applyFlashFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	mode := status.Mode(mustString(cmd, "mode"))
	switch mode {
	case status.ModeAuto, status.ModeTerminal, status.ModeLines, status.ModeQuiet:
	default:
		fmt.Fprintf(os.Stderr, "Unknown display mode %q\n", mode)
		os.Exit(1)
	}
	jsonOut, _ := cmd.Flags().GetBool("json")

	if !flash(cfg, mode, jsonOut, log) {
		os.Exit(1)
	}
}

func applyFlashFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("content") {
		cfg.Content = mustString(cmd, "content")
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("expect") {
		cfg.Expect, _ = flags.GetInt("expect")
	}
	if flags.Changed("quiet-period") {
		cfg.QuietPeriod, _ = flags.GetDuration("quiet-period")
	}
	if flags.Changed("reflash") {
		cfg.ReflashDone, _ = flags.GetBool("reflash")
	}
	if flags.Changed("events") {
		cfg.Events = mustString(cmd, "events")
	}
	if flags.Changed("history") {
		cfg.History.Path = mustString(cmd, "history")
	}
}

// flash performs one run and reports whether it succeeded
func flash(cfg *config.Config, mode status.Mode, jsonOut bool, log zerolog.Logger) bool {
	m, err := manifest.Load(cfg.Content, cfg.Ignore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading content: %v\n", err)
		return false
	}
	log.Info().Str("content", m.Root).Int("files", len(m.Entries)).
		Str("size", humanize.IBytes(uint64(manifest.TotalSize(m.Entries)))).Msg("Content loaded")

	types, err := board.CompileTypes(cfg.Boards)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in board types: %v\n", err)
		return false
	}

	enum := volume.NewHostEnumerator(signature(cfg), logger.WithComponent(log, "volume"))
	watcher := volume.NewWatcher(enum, cfg.PollInterval, cfg.Debounce, logger.WithComponent(log, "watcher"))
	ident := board.NewIdentifier(types, cfg.Retry.IdentifyTimeout, logger.WithComponent(log, "identify"))
	cp := copier.New(m.Root, copier.DiskSpace, logger.WithComponent(log, "copier"))

	// The live display moves to stderr when stdout carries JSON
	display := os.Stdout
	if jsonOut || cfg.Events == "-" {
		display = os.Stderr
	}
	reporter := status.NewReporter(display, mode)

	var recorders []orchestrator.Recorder

	if cfg.Events != "" {
		stream, err := status.OpenStream(cfg.Events)
		if err != nil {
			reporter.Close()
			fmt.Fprintf(os.Stderr, "Error opening event stream: %v\n", err)
			return false
		}
		defer stream.Close()
		recorders = append(recorders, stream)
	}

	var hist *history.DB
	if cfg.History.Path != "" {
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			reporter.Close()
			fmt.Fprintf(os.Stderr, "Error opening history: %v\n", err)
			return false
		}
		defer hist.Close()
	}

	runID := uuid.NewString()
	recorders, recording := startHistory(hist, &history.RunRecord{
		ID:          runID,
		ContentRoot: m.Root,
		Files:       len(m.Entries),
		Bytes:       manifest.TotalSize(m.Entries),
		Concurrency: cfg.Concurrency,
	}, recorders, log)

	orch := orchestrator.New(orchestrator.Options{
		RunID:       runID,
		Concurrency: cfg.Concurrency,
		QuietPeriod: cfg.QuietPeriod,
		Expect:      cfg.Expect,
		ReflashDone: cfg.ReflashDone,
		Session: session.Options{
			IdentifyAttempts:   cfg.Retry.IdentifyAttempts,
			IdentifyDelay:      cfg.Retry.IdentifyDelay,
			DeviceLostRetries:  cfg.Retry.DeviceLostRetries,
			GraceWindow:        cfg.Retry.GraceWindow,
			ReturnPollInterval: cfg.PollInterval,
			SettleDelay:        cfg.SettleDelay,
			ProgressInterval:   progressInterval,
		},
	}, orchestrator.Deps{
		Watcher:    watcher,
		Identifier: ident,
		Copier:     cp,
		Manifest:   m,
		Publisher:  reporter,
		Recorders:  recorders,
	}, logger.WithComponent(log, "orchestrator"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, orch, cancel, log)

	summary, runErr := orch.Run(ctx)
	reporter.Close()

	if runErr != nil {
		log.Error().Err(runErr).Msg("Run ended early")
		summary.Succeeded = false
	}

	if recording {
		if err := hist.FinishRun(summary); err != nil {
			log.Warn().Err(err).Msg("Failed to record run outcome")
		}
	}

	if jsonOut {
		if err := status.PrintSummaryJSON(os.Stdout, summary); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
			return false
		}
	} else {
		status.PrintSummary(os.Stdout, summary)
	}

	return summary.Succeeded
}

// startHistory records the start of a run and adds hist to the recorders.
// A run that could not be recorded gets no session history either.
func startHistory(hist *history.DB, run *history.RunRecord, recorders []orchestrator.Recorder, log zerolog.Logger) ([]orchestrator.Recorder, bool) {
	if hist == nil {
		return recorders, false
	}
	if err := hist.StartRun(run); err != nil {
		log.Warn().Err(err).Msg("Run will not be recorded in history")
		return recorders, false
	}
	return append(recorders, hist), true
}

// handleSignals stops the run on the first interrupt and aborts it on the second
func handleSignals(ctx context.Context, orch *orchestrator.Orchestrator, abort context.CancelFunc, log zerolog.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		log.Warn().Msg("Interrupted, finishing boards in progress (interrupt again to abort)")
		orch.Stop()
	case <-ctx.Done():
		return
	}

	select {
	case <-sigs:
		log.Warn().Msg("Aborting boards in progress")
		abort()
	case <-ctx.Done():
	}
}

func signature(cfg *config.Config) volume.Signature {
	return volume.Signature{
		MountPrefixes: cfg.Volumes.MountPrefixes,
		Labels:        cfg.Volumes.Labels,
		VendorIDs:     cfg.Volumes.VendorIDs,
	}
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
