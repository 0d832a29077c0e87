// Package history is a local, append-only diagnostic ledger: push-session
// transitions, recording lifecycle events, completed recordings, and the
// repair-attempt registry that backs the Supervisor's "no repair more than
// once per hour" rule. It is not a media archive — it stores metadata rows,
// never recording bytes — and is not consulted to reconstruct authoritative
// state after a restart (spec §1 Non-goals: no durability guarantee across
// a process restart).
//
// Schema-on-open, no migration tool: new versions only ever ADD statements,
// mirroring the teacher's root-variant sqlite store.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// EventType classifies a row in the events ledger.
type EventType string

const (
	EventPushConnected    EventType = "push_connected"
	EventPushDisconnected EventType = "push_disconnected"
	EventLiveTransition   EventType = "live_transition"
	EventRecordingStarted EventType = "recording_started"
	EventRecordingStopped EventType = "recording_stopped"
	EventRecordingError   EventType = "recording_error"
)

// Event is one ledger row.
type Event struct {
	ID      int64
	Channel string
	Type    EventType
	Detail  string
	TS      time.Time
}

// Recording is a completed (or failed) capture, recorded once the worker exits.
type Recording struct {
	ID         int64
	Channel    string
	Path       string
	StartedAt  time.Time
	EndedAt    time.Time
	BytesWritten int64
	Completion string // "completed" | "error"
}

// DB is the sqlite-backed ledger.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path and applies the schema.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite serialises writes; one connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT    NOT NULL,
			type    TEXT    NOT NULL,
			detail  TEXT    NOT NULL DEFAULT '',
			ts      TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_channel_ts ON events(channel, ts)`,

		`CREATE TABLE IF NOT EXISTS recordings (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			channel       TEXT    NOT NULL,
			path          TEXT    NOT NULL,
			started_at    TEXT    NOT NULL,
			ended_at      TEXT    NOT NULL,
			bytes_written INTEGER NOT NULL DEFAULT 0,
			completion    TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_channel ON recordings(channel, started_at)`,

		`CREATE TABLE IF NOT EXISTS repair_attempts (
			repair_kind TEXT PRIMARY KEY,
			last_at     TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error { return d.db.Close() }

// RecordEvent appends a row to the events ledger.
func (d *DB) RecordEvent(ctx context.Context, channel string, typ EventType, detail string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO events (channel, type, detail, ts) VALUES (?, ?, ?, ?)`,
		channel, string(typ), detail, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// RecentEvents returns the most recent events for a channel, newest first.
func (d *DB) RecentEvents(ctx context.Context, channel string, limit int) ([]Event, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, channel, type, detail, ts FROM events
		 WHERE channel = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &e.Channel, &e.Type, &e.Detail, &ts); err != nil {
			return nil, err
		}
		e.TS, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// recordRecording appends a completed (or failed) recording row.
func (d *DB) recordRecording(ctx context.Context, r Recording) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO recordings (channel, path, started_at, ended_at, bytes_written, completion)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Channel, r.Path,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.EndedAt.UTC().Format(time.RFC3339Nano),
		r.BytesWritten, r.Completion)
	return err
}

// RecordRecording appends a completed (or failed) recording row. Takes
// positional fields rather than a Recording so the Recorder Pool (which
// has no reason to import this package's row types) can satisfy its own
// narrow History interface directly.
func (d *DB) RecordRecording(ctx context.Context, channel, path string, startedAt, endedAt time.Time, bytesWritten int64, completion string) error {
	return d.recordRecording(ctx, Recording{
		Channel:      channel,
		Path:         path,
		StartedAt:    startedAt,
		EndedAt:      endedAt,
		BytesWritten: bytesWritten,
		Completion:   completion,
	})
}

// RecentRecordings returns the most recent recordings for a channel, newest first.
func (d *DB) RecentRecordings(ctx context.Context, channel string, limit int) ([]Recording, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, channel, path, started_at, ended_at, bytes_written, completion
		  FROM recordings
		 WHERE channel = ?
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var r Recording
		var started, ended string
		if err := rows.Scan(&r.ID, &r.Channel, &r.Path, &started, &ended, &r.BytesWritten, &r.Completion); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RepairDue reports whether a given repair kind ("push", "token", ...)
// hasn't fired within minInterval, and if so, stamps it as attempted now.
// The check and the stamp are two separate statements, not one
// transaction, so two concurrent callers for the same kind can both see
// it as due; the supervisor calls this from its single supervise loop.
func (d *DB) RepairDue(ctx context.Context, kind string, minInterval time.Duration) (bool, error) {
	row := d.db.QueryRowContext(ctx, `SELECT last_at FROM repair_attempts WHERE repair_kind = ?`, kind)
	var last string
	err := row.Scan(&last)
	now := time.Now().UTC()

	switch {
	case err == sql.ErrNoRows:
		return true, d.stampRepair(ctx, kind, now)
	case err != nil:
		return false, err
	}

	lastAt, parseErr := time.Parse(time.RFC3339Nano, last)
	if parseErr != nil || now.Sub(lastAt) >= minInterval {
		return true, d.stampRepair(ctx, kind, now)
	}
	return false, nil
}

func (d *DB) stampRepair(ctx context.Context, kind string, now time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO repair_attempts (repair_kind, last_at) VALUES (?, ?)
		ON CONFLICT(repair_kind) DO UPDATE SET last_at = excluded.last_at
	`, kind, now.Format(time.RFC3339Nano))
	return err
}
