// Package status presents the state of a flashing run: live snapshots for
// the operator, a JSON-lines transition stream and the final summary.
package status

import (
	"time"

	"github.com/sigreer/multiflash/internal/copier"
	"github.com/sigreer/multiflash/internal/flasherr"
	"github.com/sigreer/multiflash/internal/session"
)

// BoardStatus is the latest known state of one board.
type BoardStatus struct {
	Key       string          `json:"key"`
	SessionID string          `json:"session_id"`
	Label     string          `json:"label"`
	Type      string          `json:"type,omitempty"`
	Serial    string          `json:"serial,omitempty"`
	Mount     string          `json:"mount"`
	State     session.State   `json:"state"`
	Attempt   int             `json:"attempt,omitempty"`
	Progress  copier.Progress `json:"progress"`
	ErrKind   flasherr.Kind   `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Warning   string          `json:"warning,omitempty"`
	Started   time.Time       `json:"started"`
	Updated   time.Time       `json:"updated"`
	Finished  time.Time       `json:"finished,omitempty"`
}

// Ignored reports a volume that turned out not to be a flashing target, or a
// second sighting of a board the run already handles.
func (b BoardStatus) Ignored() bool {
	return b.ErrKind != flasherr.KindNone && !flasherr.Counted(b.ErrKind)
}

// Counted reports whether the board takes part in the run outcome.
func (b BoardStatus) Counted() bool {
	return b.ErrKind == flasherr.KindNone || flasherr.Counted(b.ErrKind)
}

// Elapsed is the time from start to finish, or to the last update while live.
func (b BoardStatus) Elapsed() time.Duration {
	end := b.Finished
	if end.IsZero() {
		end = b.Updated
	}
	if end.Before(b.Started) {
		return 0
	}
	return end.Sub(b.Started)
}

// Snapshot is an immutable view of a run. A new one is built on every
// change; readers never see it modified.
type Snapshot struct {
	RunID  string        `json:"run_id"`
	Taken  time.Time     `json:"taken"`
	Queued []string      `json:"queued,omitempty"`
	Boards []BoardStatus `json:"boards"`
}

// Counts tallies the boards of a snapshot by outcome.
type Counts struct {
	Active  int `json:"active"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Ignored int `json:"ignored"`
}

func (s *Snapshot) Counts() Counts {
	var c Counts
	for _, b := range s.Boards {
		switch {
		case b.Ignored():
			c.Ignored++
		case b.State == session.Done:
			c.Done++
		case b.State == session.Failed:
			c.Failed++
		default:
			c.Active++
		}
	}
	return c
}

// Summary is the outcome of a finished run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Started   time.Time     `json:"started"`
	Finished  time.Time     `json:"finished"`
	Boards    []BoardStatus `json:"boards"`
	Counts    Counts        `json:"counts"`
	Succeeded bool          `json:"succeeded"`
}

// Event is one state transition of one session.
type Event struct {
	RunID     string        `json:"run_id"`
	SessionID string        `json:"session_id"`
	Board     string        `json:"board"`
	Serial    string        `json:"serial,omitempty"`
	Mount     string        `json:"mount"`
	State     session.State `json:"state"`
	Attempt   int           `json:"attempt,omitempty"`
	ErrKind   flasherr.Kind `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}
