package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/multiflash/internal/flasherr"
	"github.com/sigreer/multiflash/internal/session"
	"github.com/sigreer/multiflash/internal/status"
)

func openTemp(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func TestOpenCreatesDirectoryAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	db, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, db.Path())
	require.NoError(t, db.Close())

	// migrations are not reapplied
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.conn.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version))
	assert.Equal(t, 2, version)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestRunLifecycle(t *testing.T) {
	db := openTemp(t)

	require.NoError(t, db.StartRun(&RunRecord{
		ID:          "run-1",
		ContentRoot: "/srv/firmware",
		Files:       3,
		Bytes:       4096,
		Concurrency: 4,
		Hostname:    "bench-1",
		StartedAt:   t0,
	}))

	runs, err := db.GetRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Succeeded)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, "bench-1", runs[0].Hostname)
	assert.Equal(t, int64(4096), runs[0].Bytes)

	require.NoError(t, db.FinishRun(&status.Summary{
		RunID:     "run-1",
		Started:   t0,
		Finished:  t0.Add(time.Minute),
		Counts:    status.Counts{Done: 2, Failed: 1, Ignored: 1},
		Succeeded: false,
	}))

	runs, err = db.GetRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Succeeded)
	assert.False(t, *runs[0].Succeeded)
	assert.Equal(t, 2, runs[0].Done)
	assert.Equal(t, 1, runs[0].Failed)
	assert.Equal(t, 1, runs[0].Ignored)
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, runs[0].FinishedAt.Equal(t0.Add(time.Minute)))
}

func TestFinishUnknownRun(t *testing.T) {
	db := openTemp(t)
	err := db.FinishRun(&status.Summary{RunID: "missing", Finished: t0})
	assert.Error(t, err)
}

func TestGetRunsNewestFirst(t *testing.T) {
	db := openTemp(t)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, db.StartRun(&RunRecord{ID: id, ContentRoot: "/c", StartedAt: t0.Add(time.Duration(i) * time.Hour)}))
	}

	runs, err := db.GetRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}

func TestRecordTracksSessionAndEvents(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, db.StartRun(&RunRecord{ID: "run-1", ContentRoot: "/c", StartedAt: t0}))

	ev := status.Event{RunID: "run-1", SessionID: "s-1", Board: "E66164", Serial: "E66164", Mount: "/media/CIRCUITPY"}
	steps := []struct {
		state   session.State
		attempt int
		mount   string
		kind    flasherr.Kind
	}{
		{session.Identifying, 0, "/media/CIRCUITPY", ""},
		{session.Copying, 1, "/media/CIRCUITPY", ""},
		{session.Retrying, 1, "/media/CIRCUITPY", flasherr.KindDeviceLost},
		{session.Copying, 2, "/media/CIRCUITPY1", ""},
		{session.Done, 2, "/media/CIRCUITPY1", ""},
	}

	for i, s := range steps {
		ev.State = s.state
		ev.Attempt = s.attempt
		ev.Mount = s.mount
		ev.ErrKind = s.kind
		ev.Error = ""
		if s.kind != "" {
			ev.Error = "device lost"
		}
		ev.At = t0.Add(time.Duration(i) * time.Second)
		require.NoError(t, db.Record(ev))
	}

	sessions, err := db.GetRunSessions("run-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	s := sessions[0]
	assert.Equal(t, "done", s.State)
	assert.Equal(t, 2, s.Attempts)
	assert.Equal(t, "/media/CIRCUITPY1", s.Mount)
	assert.Empty(t, s.ErrorKind)
	assert.True(t, s.StartedAt.Equal(t0))
	assert.True(t, s.UpdatedAt.Equal(t0.Add(4*time.Second)))
	require.NotNil(t, s.FinishedAt)

	events, err := db.GetSessionEvents("s-1")
	require.NoError(t, err)
	require.Len(t, events, len(steps))
	assert.Equal(t, "retrying", events[2].State)
	assert.Equal(t, "device_lost", events[2].ErrorKind)
	assert.Equal(t, "device lost", events[2].Error)
	assert.Equal(t, "/media/CIRCUITPY1", events[3].Mount)

	bySerial, err := db.GetBoardSessions("E66164", 0)
	require.NoError(t, err)
	require.Len(t, bySerial, 1)
	assert.Equal(t, "s-1", bySerial[0].ID)
}

func TestRecordRequiresRun(t *testing.T) {
	db := openTemp(t)

	err := db.Record(status.Event{RunID: "nope", SessionID: "s-1", Board: "x", State: session.Identifying, At: t0})
	assert.Error(t, err)
}
