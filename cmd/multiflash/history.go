package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/multiflash/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recorded runs and board sessions",
	Long: `Query the run history database (history.path in the config, or --db).

Without arguments, lists recent runs. With a run id, lists that run's board
sessions. With --serial, lists past sessions of one board.

Examples:
  multiflash history
  multiflash history 6f1c2d0e-...
  multiflash history --serial E6616407E3451A2F
  multiflash history --session 1b9e... # State transitions of one session`,
	Args: cobra.MaximumNArgs(1),
	Run:  runHistory,
}

func init() {
	historyCmd.Flags().String("db", "", "History database (overrides config)")
	historyCmd.Flags().String("serial", "", "Show sessions of the board with this serial")
	historyCmd.Flags().String("session", "", "Show the state transitions of one session")
	historyCmd.Flags().IntP("limit", "l", 20, "Maximum number of rows")
	historyCmd.Flags().Bool("json", false, "Output as JSON")
}

func runHistory(cmd *cobra.Command, args []string) {
	cfg, _ := setup(cmd)
	path := cfg.History.Path
	if cmd.Flags().Changed("db") {
		path = mustString(cmd, "db")
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "No history database configured (set history.path or pass --db)")
		os.Exit(1)
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history: %v\n", err)
		os.Exit(1)
	}

	db, err := history.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	serial := mustString(cmd, "serial")
	sessionID := mustString(cmd, "session")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOut, _ := cmd.Flags().GetBool("json")

	var result any
	switch {
	case sessionID != "":
		result, err = db.GetSessionEvents(sessionID)
	case serial != "":
		result, err = db.GetBoardSessions(serial, limit)
	case len(args) == 1:
		result, err = db.GetRunSessions(args[0])
	default:
		result, err = db.GetRuns(limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying history: %v\n", err)
		os.Exit(1)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
			os.Exit(1)
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch rows := result.(type) {
	case []*history.RunRecord:
		fmt.Fprintln(w, "RUN\tSTARTED\tHOST\tFILES\tSIZE\tDONE\tFAILED\tIGNORED\tRESULT")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%d\t%d\t%s\n",
				r.ID, r.StartedAt.Local().Format(time.DateTime), dash(r.Hostname), r.Files,
				humanize.IBytes(uint64(r.Bytes)), r.Done, r.Failed, r.Ignored, outcome(r))
		}
	case []*history.SessionRecord:
		fmt.Fprintln(w, "SESSION\tBOARD\tMOUNT\tSTATE\tATTEMPTS\tERROR\tSTARTED")
		for _, s := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				s.ID, s.BoardKey, s.Mount, s.State, s.Attempts, dash(s.ErrorKind), humanize.Time(s.StartedAt))
		}
	case []*history.EventRecord:
		fmt.Fprintln(w, "TIME\tSTATE\tATTEMPT\tMOUNT\tERROR")
		for _, e := range rows {
			msg := e.ErrorKind
			if e.Error != "" {
				msg = e.ErrorKind + ": " + e.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				e.Timestamp.Local().Format("15:04:05.000"), e.State, e.Attempt, e.Mount, dash(msg))
		}
	}
}

func outcome(r *history.RunRecord) string {
	switch {
	case r.Succeeded == nil:
		return "unfinished"
	case *r.Succeeded:
		return "ok"
	default:
		return "failed"
	}
}
