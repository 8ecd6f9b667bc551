package status

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/sigreer/multiflash/internal/session"
)

const barWidth = 20

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BE9FD"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	retryStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F1FA8C"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C")).Italic(true)
)

// TerminalRenderer redraws the whole board table in place.
type TerminalRenderer struct {
	w   io.Writer
	now func() time.Time
}

func NewTerminalRenderer(w io.Writer) *TerminalRenderer {
	return &TerminalRenderer{w: w, now: time.Now}
}

func (r *TerminalRenderer) Render(s *Snapshot) {
	// Clear screen
	fmt.Fprint(r.w, "\033[H\033[2J")
	fmt.Fprint(r.w, r.view(s, true))
}

// Finish draws the final table without the live hint.
func (r *TerminalRenderer) Finish(s *Snapshot) {
	fmt.Fprint(r.w, "\033[H\033[2J")
	fmt.Fprint(r.w, r.view(s, false))
}

func (r *TerminalRenderer) view(s *Snapshot, live bool) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("=== multiflash ==="))
	if live {
		b.WriteString(hintStyle.Render(" (Ctrl+C to stop)"))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Run %s | %s\n\n", shortID(s.RunID), r.now().Format("2006-01-02 15:04:05"))

	fmt.Fprintf(&b, "%-32s %-22s %-12s %-*s %s\n", "BOARD", "MOUNT", "STATE", barWidth+7, "PROGRESS", "INFO")
	b.WriteString(strings.Repeat("-", 100) + "\n")

	for _, bs := range s.Boards {
		if bs.Ignored() {
			continue
		}

		state := fmt.Sprintf("%-12s", strings.ToUpper(string(bs.State)))
		fmt.Fprintf(&b, "%-32s %-22s %s %s %s\n",
			truncate(bs.Label, 32),
			truncate(bs.Mount, 22),
			stateStyle(bs.State).Render(state),
			progressCell(bs),
			info(bs),
		)
	}

	c := s.Counts()
	b.WriteString("\n" + strings.Repeat("-", 100) + "\n")
	fmt.Fprintf(&b, "Active: %d | Done: %s | Failed: %s | Queued: %d | Ignored: %d\n",
		c.Active,
		doneStyle.Render(fmt.Sprint(c.Done)),
		failStyle.Render(fmt.Sprint(c.Failed)),
		len(s.Queued),
		c.Ignored,
	)

	return b.String()
}

func stateStyle(s session.State) lipgloss.Style {
	switch s {
	case session.Done:
		return doneStyle
	case session.Failed:
		return failStyle
	case session.Retrying:
		return retryStyle
	default:
		return activeStyle
	}
}

func progressCell(bs BoardStatus) string {
	switch bs.State {
	case session.Copying, session.Verifying:
	case session.Settling, session.Done:
		return fmt.Sprintf("[%s] 100%%", strings.Repeat("#", barWidth))
	default:
		return strings.Repeat(" ", barWidth+7)
	}

	frac := bs.Progress.Fraction()
	filled := int(frac * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	return fmt.Sprintf("[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat(".", barWidth-filled), int(frac*100))
}

func info(bs BoardStatus) string {
	switch {
	case bs.Error != "":
		return failStyle.Render(bs.Error)
	case bs.Warning != "":
		return warningStyle.Render(bs.Warning)
	case bs.State == session.Copying || bs.State == session.Verifying:
		return fmt.Sprintf("%s/%s", humanize.IBytes(uint64(bs.Progress.BytesDone)), humanize.IBytes(uint64(bs.Progress.BytesTotal)))
	case bs.State == session.Done:
		return bs.Elapsed().Round(100 * time.Millisecond).String()
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
