// Package monitoring carries the diagnostic logging hooks used on the frame
// path. Messages go through the replaceable Logf so tests can mute or capture
// them.
package monitoring

import (
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle forwards a message to Logf at most once per Interval for each
// distinct format string. It keeps per-frame warnings (a broken settings
// file at 30 fps) readable. The zero value logs every message.
type Throttle struct {
	Interval time.Duration

	mu         sync.Mutex
	last       map[string]time.Time
	suppressed map[string]int
}

// Logf logs the message at now unless the same format was logged less than
// Interval ago. The first message after a quiet period reports how many
// were dropped.
func (t *Throttle) Logf(now time.Time, format string, v ...interface{}) {
	t.mu.Lock()
	if t.last == nil {
		t.last = make(map[string]time.Time)
		t.suppressed = make(map[string]int)
	}
	if prev, ok := t.last[format]; ok && now.Sub(prev) < t.Interval {
		t.suppressed[format]++
		t.mu.Unlock()
		return
	}
	dropped := t.suppressed[format]
	t.last[format] = now
	delete(t.suppressed, format)
	t.mu.Unlock()

	if dropped > 0 {
		Logf(format+" (%d similar messages suppressed)", append(v, dropped)...)
		return
	}
	Logf(format, v...)
}
