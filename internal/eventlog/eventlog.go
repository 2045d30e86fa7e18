// Package eventlog persists detections as an append-only text file with one
// decimal Unix timestamp (seconds) per line.
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Event is one logged detection.
type Event struct {
	UnixSeconds int64 `json:"unix_seconds"`
}

// Time returns the event time in UTC.
func (e Event) Time() time.Time { return time.Unix(e.UnixSeconds, 0).UTC() }

// Log appends detection records. Every Append is flushed and synced to
// stable storage before it returns.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	n    int64
}

// Open opens path for appending, creating it if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Appended returns how many records this Log has written.
func (l *Log) Appended() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Append writes the record for t and makes it durable.
func (l *Log) Append(t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return errors.New("append event: log closed")
	}
	if _, err := fmt.Fprintf(l.w, "%d\n", t.Unix()); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	l.n++
	return nil
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	ferr := l.w.Flush()
	cerr := l.f.Close()
	l.f = nil
	return errors.Join(ferr, cerr)
}

// Read parses a log stream. Blank lines are skipped; any other malformed
// line is an error naming its line number.
func Read(r io.Reader) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return events, fmt.Errorf("event log line %d: %w", line, err)
		}
		events = append(events, Event{UnixSeconds: v})
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

// ReadFile parses the log at path. A missing file holds no events.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	return Read(f)
}
