package status

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/multiflash/internal/copier"
	"github.com/sigreer/multiflash/internal/flasherr"
	"github.com/sigreer/multiflash/internal/session"
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		RunID:  "0b5c1a52-4d57-4f3e-9a57-1d1f7e0c9a11",
		Taken:  t0,
		Queued: []string{"/media/CIRCUITPY3"},
		Boards: []BoardStatus{
			{Key: "AAA", Label: "feather AAA", Mount: "/media/CIRCUITPY", State: session.Done,
				Progress: copier.Progress{BytesTotal: 2048, BytesDone: 2048}, Started: t0, Finished: t0.Add(3 * time.Second)},
			{Key: "BBB", Label: "pico BBB", Mount: "/media/CIRCUITPY1", State: session.Copying, Attempt: 1,
				Progress: copier.Progress{Phase: copier.PhaseWrite, BytesTotal: 1000, BytesDone: 500}, Started: t0, Updated: t0},
			{Key: "CCC", Label: "qtpy CCC", Mount: "/media/CIRCUITPY2", State: session.Failed,
				ErrKind: flasherr.KindInsufficientSpace, Error: "copying: insufficient_space: need 2 MiB, 1 MiB free", Started: t0, Finished: t0},
			{Key: "vol:/media/USB@1", Label: "USB", Mount: "/media/USB", State: session.Failed, ErrKind: flasherr.KindNotABoard},
		},
	}
}

func TestSnapshotCounts(t *testing.T) {
	assert.Equal(t, Counts{Active: 1, Done: 1, Failed: 1, Ignored: 1}, sampleSnapshot().Counts())
}

func TestBoardStatusIgnored(t *testing.T) {
	for _, kind := range []flasherr.Kind{flasherr.KindNotABoard, flasherr.KindDuplicate} {
		b := BoardStatus{State: session.Failed, ErrKind: kind}
		assert.True(t, b.Ignored(), kind)
		assert.False(t, b.Counted(), kind)
	}

	b := BoardStatus{State: session.Failed, ErrKind: flasherr.KindDeviceLost}
	assert.False(t, b.Ignored())
	assert.True(t, b.Counted())
	assert.False(t, BoardStatus{State: session.Done}.Ignored())
}

func TestBoardStatusElapsed(t *testing.T) {
	b := BoardStatus{Started: t0, Updated: t0.Add(time.Second)}
	assert.Equal(t, time.Second, b.Elapsed())

	b.Finished = t0.Add(5 * time.Second)
	assert.Equal(t, 5*time.Second, b.Elapsed())

	assert.Zero(t, BoardStatus{Started: t0}.Elapsed())
}

type captureRenderer struct {
	mu       sync.Mutex
	rendered []*Snapshot
	finished *Snapshot
	block    chan struct{}
}

func (c *captureRenderer) Render(s *Snapshot) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.rendered = append(c.rendered, s)
	c.mu.Unlock()
}

func (c *captureRenderer) Finish(s *Snapshot) {
	c.finished = s
}

func TestReporterCoalescesAndFinishesWithLatest(t *testing.T) {
	c := &captureRenderer{block: make(chan struct{})}
	r := NewReporterWith(c)

	first := &Snapshot{RunID: "1"}
	r.Publish(first)
	// while the first render is stuck, later snapshots pile up
	for i := 2; i <= 50; i++ {
		r.Publish(&Snapshot{RunID: "x"})
	}
	last := &Snapshot{RunID: "last"}
	r.Publish(last)

	close(c.block)
	r.Close()
	r.Close()

	assert.Same(t, last, c.finished)
	assert.Less(t, len(c.rendered), 51)
	assert.Same(t, last, c.rendered[len(c.rendered)-1])
}

func TestLineRendererPrintsChangesOnly(t *testing.T) {
	var buf bytes.Buffer
	r := NewLineRenderer(&buf)

	s := sampleSnapshot()
	r.Render(s)
	r.Render(s)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "feather AAA")
	assert.Contains(t, lines[2], "need 2 MiB")
	assert.NotContains(t, buf.String(), "/media/USB")

	buf.Reset()
	next := sampleSnapshot()
	next.Boards[1].State = session.Retrying
	next.Boards[1].Attempt = 2
	r.Finish(next)
	assert.Contains(t, buf.String(), "retrying")
	assert.Contains(t, buf.String(), "(attempt 2)")
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestTerminalRendererView(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRenderer(&buf)
	r.now = func() time.Time { return t0 }

	r.Render(sampleSnapshot())
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "\033[H\033[2J"))
	assert.Contains(t, out, "Run 0b5c1a52")
	assert.Contains(t, out, "pico BBB")
	assert.Contains(t, out, "##########..........")
	assert.Contains(t, out, " 50%")
	assert.Contains(t, out, "Queued: 1")
	assert.NotContains(t, out, "/media/USB")
}

func TestPrintSummary(t *testing.T) {
	snap := sampleSnapshot()
	s := &Summary{
		RunID:    snap.RunID,
		Started:  t0,
		Finished: t0.Add(time.Minute),
		Boards:   []BoardStatus{snap.Boards[0], snap.Boards[2], snap.Boards[3]},
		Counts:   Counts{Done: 1, Failed: 1, Ignored: 1},
	}

	var buf bytes.Buffer
	PrintSummary(&buf, s)
	out := buf.String()

	assert.Contains(t, out, "feather AAA")
	assert.Contains(t, out, "2.0 KiB copied")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "Done: 1 | Failed: 1 | Ignored: 1 | Took 1m0s")
	assert.Contains(t, out, "Some boards were not flashed.")
	assert.NotContains(t, out, "/media/USB")

	buf.Reset()
	require.NoError(t, PrintSummaryJSON(&buf, s))
	var decoded Summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, s.RunID, decoded.RunID)
	assert.Len(t, decoded.Boards, 3)
}

func TestStreamWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := OpenStream(path)
	require.NoError(t, err)

	require.NoError(t, s.Record(Event{RunID: "r", SessionID: "s1", Board: "AAA", State: session.Copying, At: t0}))
	require.NoError(t, s.Record(Event{RunID: "r", SessionID: "s1", Board: "AAA", State: session.Failed,
		ErrKind: flasherr.KindDeviceLost, At: t0}))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, session.Failed, events[1].State)
	assert.Equal(t, flasherr.KindDeviceLost, events[1].ErrKind)
}
