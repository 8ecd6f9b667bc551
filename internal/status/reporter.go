package status

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-isatty"
)

// Mode selects how snapshots are rendered.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeTerminal Mode = "terminal"
	ModeLines    Mode = "lines"
	ModeQuiet    Mode = "quiet"
)

// Renderer draws snapshots. Render is only ever called from one goroutine.
type Renderer interface {
	Render(s *Snapshot)
	Finish(s *Snapshot)
}

// Reporter hands snapshots to a Renderer on its own goroutine. Publish
// never blocks; when rendering falls behind, intermediate snapshots are
// skipped and only the newest is drawn.
type Reporter struct {
	renderer Renderer
	latest   atomic.Pointer[Snapshot]
	notify   chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewReporter picks a renderer for w: the in-place terminal view when w is
// a terminal and mode is auto, line output otherwise.
func NewReporter(w io.Writer, mode Mode) *Reporter {
	return NewReporterWith(pickRenderer(w, mode))
}

// NewReporterWith starts a reporter around an existing renderer.
func NewReporterWith(r Renderer) *Reporter {
	rep := &Reporter{
		renderer: r,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go rep.loop()
	return rep
}

func pickRenderer(w io.Writer, mode Mode) Renderer {
	switch mode {
	case ModeQuiet:
		return nopRenderer{}
	case ModeLines:
		return NewLineRenderer(w)
	case ModeTerminal:
		return NewTerminalRenderer(w)
	}

	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return NewTerminalRenderer(w)
	}
	return NewLineRenderer(w)
}

// Publish makes s the snapshot to draw next. It must not be called after
// Close.
func (r *Reporter) Publish(s *Snapshot) {
	r.latest.Store(s)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Close stops the render goroutine and draws the last published snapshot
// in its final form.
func (r *Reporter) Close() {
	r.once.Do(func() {
		close(r.notify)
		<-r.done
		if s := r.latest.Load(); s != nil {
			r.renderer.Finish(s)
		}
	})
}

func (r *Reporter) loop() {
	defer close(r.done)
	for range r.notify {
		if s := r.latest.Load(); s != nil {
			r.renderer.Render(s)
		}
	}
}

type nopRenderer struct{}

func (nopRenderer) Render(*Snapshot) {}
func (nopRenderer) Finish(*Snapshot) {}
