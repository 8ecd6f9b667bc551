package history

import (
	"database/sql"
	"fmt"

	"github.com/sigreer/multiflash/internal/status"
)

// Record logs a session state transition and updates the session row.
// It satisfies the orchestrator's Recorder.
func (d *DB) Record(ev status.Event) error {
	at := ev.At.UTC()
	if ev.At.IsZero() {
		at = d.now().UTC()
	}

	var finished any
	if ev.State.Terminal() {
		finished = at
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, run_id, board_key, serial, mount, state, attempts, error_kind, error, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			board_key = excluded.board_key,
			serial = excluded.serial,
			mount = excluded.mount,
			state = excluded.state,
			attempts = excluded.attempts,
			error_kind = excluded.error_kind,
			error = excluded.error,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`, ev.SessionID, ev.RunID, ev.Board, ev.Serial, ev.Mount, string(ev.State), ev.Attempt,
		string(ev.ErrKind), ev.Error, at, at, finished)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO session_events (session_id, run_id, state, attempt, mount, error_kind, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.SessionID, ev.RunID, string(ev.State), ev.Attempt, ev.Mount, string(ev.ErrKind), ev.Error, at)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return tx.Commit()
}

const sessionColumns = `id, run_id, board_key, serial, mount, state, attempts, error_kind, error, started_at, updated_at, finished_at`

// GetRunSessions returns the sessions of a run in start order
func (d *DB) GetRunSessions(runID string) ([]*SessionRecord, error) {
	rows, err := d.conn.Query(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE run_id = ?
		ORDER BY started_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// GetBoardSessions returns the most recent sessions for a board serial
func (d *DB) GetBoardSessions(serial string, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.conn.Query(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE serial = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query board sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// GetSessionEvents returns the transitions of a session in order
func (d *DB) GetSessionEvents(sessionID string) ([]*EventRecord, error) {
	rows, err := d.conn.Query(`
		SELECT id, session_id, run_id, state, attempt, mount, error_kind, error, timestamp
		FROM session_events
		WHERE session_id = ?
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var event EventRecord
		var mount, kind, msg sql.NullString

		err := rows.Scan(
			&event.ID, &event.SessionID, &event.RunID, &event.State, &event.Attempt,
			&mount, &kind, &msg, &event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Mount = mount.String
		event.ErrorKind = kind.String
		event.Error = msg.String

		events = append(events, &event)
	}

	return events, rows.Err()
}

func scanSessions(rows *sql.Rows) ([]*SessionRecord, error) {
	var sessions []*SessionRecord
	for rows.Next() {
		var s SessionRecord
		var serial, mount, kind, msg sql.NullString
		var finished sql.NullTime

		err := rows.Scan(
			&s.ID, &s.RunID, &s.BoardKey, &serial, &mount, &s.State, &s.Attempts,
			&kind, &msg, &s.StartedAt, &s.UpdatedAt, &finished,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		s.Serial = serial.String
		s.Mount = mount.String
		s.ErrorKind = kind.String
		s.Error = msg.String
		if finished.Valid {
			t := finished.Time
			s.FinishedAt = &t
		}

		sessions = append(sessions, &s)
	}

	return sessions, rows.Err()
}
