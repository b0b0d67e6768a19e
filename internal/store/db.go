// Package store provides SQLite-backed history of fired pressure triggers
// with dedup/cooldown.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/setevik/psiwatch/internal/event"
	"github.com/setevik/psiwatch/internal/psi"
)

// timeLayout is fixed-width so timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps an SQLite connection for event storage.
type DB struct {
	db *sql.DB
}

// Open opens or creates an SQLite database at the given path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Insert stores a new event in the database.
func (d *DB) Insert(ev *event.Event) error {
	_, err := d.db.Exec(`
		INSERT INTO events (id, instance_id, timestamp, trigger_name, kind, line, severity,
			stall_us, window_us, avg10, avg60, avg300, total_us, summary, detail, notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.InstanceID,
		ev.Timestamp.UTC().Format(timeLayout),
		ev.Trigger,
		ev.Kind.String(),
		ev.Line.String(),
		string(ev.Severity),
		ev.Stall.Microseconds(),
		ev.Window.Microseconds(),
		ev.Avg10,
		ev.Avg60,
		ev.Avg300,
		ev.Total.Microseconds(),
		ev.Summary,
		ev.Detail,
		false,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// MarkNotified marks an event as having been sent to ntfy.
func (d *DB) MarkNotified(id string) error {
	_, err := d.db.Exec(`UPDATE events SET notified = TRUE WHERE id = ?`, id)
	return err
}

// Count returns the number of stored events.
func (d *DB) Count() (int, error) {
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// QueryFilter controls which events are returned by Query.
type QueryFilter struct {
	Since      time.Time
	Until      time.Time
	Trigger    string
	Kind       string
	InstanceID string
	Limit      int
}

// Query returns events matching the filter, ordered by timestamp descending.
func (d *DB) Query(f QueryFilter) ([]*event.Event, error) {
	query := `SELECT id, instance_id, timestamp, trigger_name, kind, line, severity,
		stall_us, window_us, avg10, avg60, avg300, total_us, summary, detail
		FROM events WHERE 1=1`
	var args []interface{}

	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UTC().Format(timeLayout))
	}
	if f.Trigger != "" {
		query += " AND trigger_name = ?"
		args = append(args, f.Trigger)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.InstanceID != "" {
		query += " AND instance_id = ?"
		args = append(args, f.InstanceID)
	}

	query += " ORDER BY timestamp DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Purge deletes events older than the given retention duration.
func (d *DB) Purge(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(timeLayout)
	result, err := d.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging old events: %w", err)
	}
	return result.RowsAffected()
}

func scanEvent(rows *sql.Rows) (*event.Event, error) {
	var ev event.Event
	var tsStr, kind, line string
	var stallUS, windowUS, totalUS int64
	var detail sql.NullString

	err := rows.Scan(
		&ev.ID,
		&ev.InstanceID,
		&tsStr,
		&ev.Trigger,
		&kind,
		&line,
		&ev.Severity,
		&stallUS,
		&windowUS,
		&ev.Avg10,
		&ev.Avg60,
		&ev.Avg300,
		&totalUS,
		&ev.Summary,
		&detail,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	ev.Timestamp, _ = time.Parse(timeLayout, tsStr)
	ev.Kind, _ = psi.ParseKind(kind)
	ev.Line, _ = psi.ParseLine(line)
	ev.Stall = time.Duration(stallUS) * time.Microsecond
	ev.Window = time.Duration(windowUS) * time.Microsecond
	ev.Total = time.Duration(totalUS) * time.Microsecond
	ev.Detail = detail.String

	return &ev, nil
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id           TEXT PRIMARY KEY,
			instance_id  TEXT NOT NULL,
			timestamp    TEXT NOT NULL,
			trigger_name TEXT NOT NULL,
			kind         TEXT NOT NULL,
			line         TEXT NOT NULL,
			severity     TEXT NOT NULL,
			stall_us     INTEGER NOT NULL,
			window_us    INTEGER NOT NULL,
			avg10        REAL NOT NULL,
			avg60        REAL NOT NULL,
			avg300       REAL NOT NULL,
			total_us     INTEGER NOT NULL,
			summary      TEXT NOT NULL,
			detail       TEXT,
			notified     BOOLEAN DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance_ts ON events(instance_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_trigger ON events(trigger_name, timestamp)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	slog.Debug("database schema up to date")
	return nil
}
