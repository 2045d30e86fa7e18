// Package db indexes detections in SQLite for querying and charting. The
// append-only detection log stays the durable record; the index can be
// rebuilt from it.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// getMigrationsFS returns the embedded migrations rooted at their directory.
func getMigrationsFS() (fs.FS, error) {
	return fs.Sub(migrationsFS, "migrations")
}

type DB struct {
	*sql.DB
}

// pragmas applied to every connection we open.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// OpenDB opens the database without touching its schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; sqlite serialises writes anyway and this keeps the
	// connection-scoped pragmas in effect.
	sqlDB.SetMaxOpenConns(1)
	db := &DB{sqlDB}
	if err := db.applyPragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// NewDB opens the database and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migrations, err := getMigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) applyPragmas() error {
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Session is one run of the detector.
type Session struct {
	ID        string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

// StartSession records a new session and returns its id.
func (db *DB) StartSession(started time.Time, source, version string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_at, source, version) VALUES (?, ?, ?, ?)`,
		id, started.Unix(), source, version,
	)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// Sessions returns the most recent sessions first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(
		`SELECT session_id, started_at, source, version FROM sessions ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started int64
		if err := rows.Scan(&s.ID, &started, &s.Source, &s.Version); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Detection is one indexed detection.
type Detection struct {
	ID        int64     `json:"detection_id"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`
	Fill      int       `json:"fill"`
	FPS       float64   `json:"fps"`
}

// RecordDetection inserts d and returns its id.
func (db *DB) RecordDetection(d Detection) (int64, error) {
	var session any
	if d.SessionID != "" {
		session = d.SessionID
	}
	res, err := db.Exec(
		`INSERT INTO detections (session_id, unix_seconds, unix_nanos, fill, fps) VALUES (?, ?, ?, ?, ?)`,
		session, d.Time.Unix(), d.Time.UnixNano(), d.Fill, d.FPS,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record detection: %w", err)
	}
	return res.LastInsertId()
}

// Detections returns detections in [since, until), newest first. A zero
// until means no upper bound; limit <= 0 means 500.
func (db *DB) Detections(since, until time.Time, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 500
	}
	upper := int64(1<<63 - 1)
	if !until.IsZero() {
		upper = until.Unix()
	}
	rows, err := db.Query(
		`SELECT detection_id, COALESCE(session_id, ''), unix_nanos, fill, fps
		   FROM detections
		  WHERE unix_seconds >= ? AND unix_seconds < ?
		  ORDER BY unix_nanos DESC
		  LIMIT ?`,
		since.Unix(), upper, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var d Detection
		var nanos int64
		if err := rows.Scan(&d.ID, &d.SessionID, &nanos, &d.Fill, &d.FPS); err != nil {
			return nil, err
		}
		d.Time = time.Unix(0, nanos).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDetections returns the number of detections in [since, until).
func (db *DB) CountDetections(since, until time.Time) (int64, error) {
	var n int64
	err := db.QueryRow(
		`SELECT COUNT(*) FROM detections WHERE unix_seconds >= ? AND unix_seconds < ?`,
		since.Unix(), until.Unix(),
	).Scan(&n)
	return n, err
}

// HourlyCount is the number of detections in one clock hour.
type HourlyCount struct {
	Hour    time.Time `json:"hour"`
	Count   int64     `json:"count"`
	AvgFill float64   `json:"avg_fill"`
}

// HourlyCounts returns per-hour detection counts for hours starting in
// [since, until), oldest first. Hours without detections are omitted.
func (db *DB) HourlyCounts(since, until time.Time) ([]HourlyCount, error) {
	rows, err := db.Query(
		`SELECT hour_start, detections, avg_fill
		   FROM detections_hourly
		  WHERE hour_start >= ? AND hour_start < ?
		  ORDER BY hour_start`,
		since.Unix()/3600*3600, until.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyCount
	for rows.Next() {
		var h HourlyCount
		var start int64
		if err := rows.Scan(&start, &h.Count, &h.AvgFill); err != nil {
			return nil, err
		}
		h.Hour = time.Unix(start, 0).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// ErrNoDetections is returned by LastDetection on an empty index.
var ErrNoDetections = errors.New("no detections recorded")

// LastDetection returns the most recent detection.
func (db *DB) LastDetection() (Detection, error) {
	ds, err := db.Detections(time.Unix(0, 0), time.Time{}, 1)
	if err != nil {
		return Detection{}, err
	}
	if len(ds) == 0 {
		return Detection{}, ErrNoDetections
	}
	return ds[0], nil
}
