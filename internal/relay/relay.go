// Package relay forwards detections to a pulse counter over a serial line,
// one "P<unix seconds>\n" record per detection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/banshee-data/pulsemeter/internal/detector"
)

// ErrWriteFailed is returned when the port accepts fewer bytes than a record.
var ErrWriteFailed = errors.New("short write to relay port")

// Port is the subset of a serial port the relay needs.
type Port interface {
	io.WriteCloser
}

// DefaultQueue is the number of detections buffered while the port is busy.
const DefaultQueue = 64

// Relay is a detector.Sink. Sample never blocks; Run performs the writes.
type Relay struct {
	port    Port
	queue   chan int64
	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// New returns a relay writing to port.
func New(port Port, queue int) *Relay {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Relay{port: port, queue: make(chan int64, queue)}
}

// Open opens the serial device at path and returns a relay for it.
func Open(path string, opts PortOptions) (*Relay, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open relay port %s: %w", path, err)
	}
	return New(port, DefaultQueue), nil
}

// Sample implements detector.Sink.
func (r *Relay) Sample(s detector.Sample) {
	if !s.Triggered {
		return
	}
	select {
	case r.queue <- s.Time.Unix():
	default:
		r.dropped.Add(1)
	}
}

// Run writes queued detections until ctx is done, then closes the port.
// Write errors are logged and counted; they do not stop the relay.
func (r *Relay) Run(ctx context.Context) error {
	defer r.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts := <-r.queue:
			if err := r.write(ts); err != nil {
				r.failed.Add(1)
				log.Printf("[relay] %v", err)
				continue
			}
			r.sent.Add(1)
		}
	}
}

// Close closes the port. It is safe to call more than once.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.port.Close() })
	return r.closeErr
}

func (r *Relay) write(ts int64) error {
	rec := Record(ts)
	n, err := r.port.Write(rec)
	if err != nil {
		return fmt.Errorf("write detection %d: %w", ts, err)
	}
	if n != len(rec) {
		return fmt.Errorf("%w: %d of %d bytes", ErrWriteFailed, n, len(rec))
	}
	return nil
}

// Record formats one detection for the wire.
func Record(unixSeconds int64) []byte {
	return fmt.Appendf(nil, "P%d\n", unixSeconds)
}

// Stats reports relay counters.
type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

func (r *Relay) Stats() Stats {
	return Stats{Sent: r.sent.Load(), Dropped: r.dropped.Load(), Failed: r.failed.Load()}
}
