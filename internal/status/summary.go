package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sigreer/multiflash/internal/session"
)

// PrintSummary outputs one line per board and the run outcome
func PrintSummary(w io.Writer, s *Summary) {
	fmt.Fprintf(w, "%-32s %-22s %-8s %-10s %s\n", "BOARD", "MOUNT", "RESULT", "ELAPSED", "DETAIL")
	fmt.Fprintln(w, strings.Repeat("-", 90))

	for _, b := range s.Boards {
		if b.Ignored() {
			continue
		}

		result := "OK"
		detail := fmt.Sprintf("%s copied", humanize.IBytes(uint64(b.Progress.BytesTotal)))
		if b.Progress.BytesTotal == 0 {
			detail = ""
		}
		if b.State != session.Done {
			result = "FAILED"
			detail = b.Error
		}
		if b.Warning != "" {
			detail = strings.TrimSpace(detail + " (" + b.Warning + ")")
		}

		fmt.Fprintf(w, "%-32s %-22s %-8s %-10s %s\n",
			truncate(b.Label, 32), truncate(b.Mount, 22), result,
			b.Elapsed().Round(100*time.Millisecond), detail)
	}

	fmt.Fprintln(w, strings.Repeat("-", 90))
	fmt.Fprintf(w, "Done: %d | Failed: %d | Ignored: %d | Took %s\n",
		s.Counts.Done, s.Counts.Failed, s.Counts.Ignored,
		s.Finished.Sub(s.Started).Round(time.Second))

	if s.Succeeded {
		fmt.Fprintln(w, doneStyle.Render("All boards flashed."))
	} else {
		fmt.Fprintln(w, failStyle.Render("Some boards were not flashed."))
	}
}

// PrintSummaryJSON outputs the summary as JSON
func PrintSummaryJSON(w io.Writer, s *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
