package db

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/banshee-data/pulsemeter/internal/detector"
	"github.com/banshee-data/pulsemeter/internal/eventlog"
)

// Recorder is a detector.Sink that indexes every triggered sample.
type Recorder struct {
	db        *DB
	sessionID string
	recorded  atomic.Int64
	failed    atomic.Int64
}

// NewRecorder returns a Recorder attributing detections to sessionID.
func NewRecorder(db *DB, sessionID string) *Recorder {
	return &Recorder{db: db, sessionID: sessionID}
}

// Sample implements detector.Sink. Index failures are logged and counted;
// the detection log remains authoritative.
func (r *Recorder) Sample(s detector.Sample) {
	if !s.Triggered {
		return
	}
	_, err := r.db.RecordDetection(Detection{
		SessionID: r.sessionID,
		Time:      s.Time,
		Fill:      s.Fill,
		FPS:       s.FPS,
	})
	if err != nil {
		r.failed.Add(1)
		log.Printf("[db] %v", err)
		return
	}
	r.recorded.Add(1)
}

// Recorded returns the number of detections indexed.
func (r *Recorder) Recorded() int64 { return r.recorded.Load() }

// Failed returns the number of detections that could not be indexed.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// Backfill indexes log events whose second is not yet present in the index.
// Backfilled rows carry no session, fill or frame rate.
func (db *DB) Backfill(events []eventlog.Event) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	added := 0
	for _, ev := range events {
		var exists int
		err := tx.QueryRow(
			`SELECT EXISTS(SELECT 1 FROM detections WHERE unix_seconds = ?)`, ev.UnixSeconds,
		).Scan(&exists)
		if err != nil {
			return 0, err
		}
		if exists == 1 {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO detections (session_id, unix_seconds, unix_nanos, fill, fps) VALUES (NULL, ?, ?, 0, 0)`,
			ev.UnixSeconds, ev.UnixSeconds*1e9,
		); err != nil {
			return 0, fmt.Errorf("failed to backfill %d: %w", ev.UnixSeconds, err)
		}
		added++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}
