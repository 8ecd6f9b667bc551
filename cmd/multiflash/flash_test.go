package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/multiflash/internal/history"
	"github.com/sigreer/multiflash/internal/logger"
	"github.com/sigreer/multiflash/internal/orchestrator"
	"github.com/sigreer/multiflash/internal/status"
)

type nopRecorder struct{}

func (nopRecorder) Record(status.Event) error { return nil }

func TestStartHistory(t *testing.T) {
	run := &history.RunRecord{ID: "run-1", ContentRoot: "/srv/firmware", Files: 1, Concurrency: 2}
	base := []orchestrator.Recorder{nopRecorder{}}

	t.Run("disabled", func(t *testing.T) {
		recs, recording := startHistory(nil, run, base, logger.NewTestLogger())
		assert.False(t, recording)
		assert.Len(t, recs, 1)
	})

	t.Run("recorded", func(t *testing.T) {
		hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)
		defer hist.Close()

		recs, recording := startHistory(hist, run, base, logger.NewTestLogger())
		assert.True(t, recording)
		require.Len(t, recs, 2)
		assert.Same(t, hist, recs[1])
	})

	t.Run("start fails", func(t *testing.T) {
		hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)
		require.NoError(t, hist.Close())

		recs, recording := startHistory(hist, run, base, logger.NewTestLogger())
		assert.False(t, recording)
		assert.Len(t, recs, 1)
		assert.NotContains(t, recs, orchestrator.Recorder(hist))
	})
}
