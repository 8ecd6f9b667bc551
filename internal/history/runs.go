package history

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/sigreer/multiflash/internal/status"
)

// StartRun inserts the run row. Sessions reference it, so call it before
// the run records any transition.
func (d *DB) StartRun(r *RunRecord) error {
	if r.Hostname == "" {
		r.Hostname, _ = os.Hostname()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = d.now()
	}

	_, err := d.conn.Exec(`
		INSERT INTO runs (id, content_root, files, bytes, concurrency, hostname, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ContentRoot, r.Files, r.Bytes, r.Concurrency, r.Hostname, r.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	return nil
}

// FinishRun stores the outcome of a run
func (d *DB) FinishRun(s *status.Summary) error {
	res, err := d.conn.Exec(`
		UPDATE runs
		SET succeeded = ?, done = ?, failed = ?, ignored = ?, finished_at = ?
		WHERE id = ?
	`, s.Succeeded, s.Counts.Done, s.Counts.Failed, s.Counts.Ignored, s.Finished.UTC(), s.RunID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", s.RunID)
	}

	return nil
}

// GetRuns returns the most recent runs
func (d *DB) GetRuns(limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := d.conn.Query(`
		SELECT id, content_root, files, bytes, concurrency, hostname, succeeded, done, failed, ignored, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		var r RunRecord
		var hostname sql.NullString
		var succeeded sql.NullBool
		var finished sql.NullTime

		err := rows.Scan(
			&r.ID, &r.ContentRoot, &r.Files, &r.Bytes, &r.Concurrency, &hostname,
			&succeeded, &r.Done, &r.Failed, &r.Ignored, &r.StartedAt, &finished,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		r.Hostname = hostname.String
		if succeeded.Valid {
			ok := succeeded.Bool
			r.Succeeded = &ok
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}

		runs = append(runs, &r)
	}

	return runs, rows.Err()
}
