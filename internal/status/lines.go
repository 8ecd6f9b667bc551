package status

import (
	"fmt"
	"io"
	"time"
)

// LineRenderer prints one line per board state change. It suits logs and
// pipes, where redrawing in place is not possible.
type LineRenderer struct {
	w    io.Writer
	seen map[string]lineState
}

type lineState struct {
	session string
	state   string
	attempt int
}

func NewLineRenderer(w io.Writer) *LineRenderer {
	return &LineRenderer{w: w, seen: make(map[string]lineState)}
}

func (r *LineRenderer) Render(s *Snapshot) {
	for _, b := range s.Boards {
		cur := lineState{session: b.SessionID, state: string(b.State), attempt: b.Attempt}
		if r.seen[b.Key] == cur {
			continue
		}
		r.seen[b.Key] = cur

		if b.Ignored() {
			continue
		}

		line := fmt.Sprintf("%s  %-32s %-10s %s", b.Updated.Format(time.TimeOnly), b.Label, b.State, b.Mount)
		if b.Attempt > 1 {
			line += fmt.Sprintf(" (attempt %d)", b.Attempt)
		}
		if b.Error != "" {
			line += "  " + b.Error
		}
		fmt.Fprintln(r.w, line)
	}
}

// Finish prints whatever changed since the last render.
func (r *LineRenderer) Finish(s *Snapshot) {
	r.Render(s)
}
