// Package detector runs the per-frame pipeline: dump interception, settings
// snapshot, window analysis, trigger hysteresis, durable detection logging and
// observer notification.
//
// HandleFrame is called serially by a single frame source. Observer
// registration, dump requests and Status may be called concurrently from any
// goroutine.
package detector

import (
	"image"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pulsemeter/internal/analysis"
	"github.com/banshee-data/pulsemeter/internal/dump"
	"github.com/banshee-data/pulsemeter/internal/frame"
	"github.com/banshee-data/pulsemeter/internal/monitoring"
	"github.com/banshee-data/pulsemeter/internal/preview"
	"github.com/banshee-data/pulsemeter/internal/settings"
	"github.com/banshee-data/pulsemeter/internal/timeutil"
	"github.com/banshee-data/pulsemeter/internal/trigger"
)

// EventLog makes detections durable. Append must not return before the
// record is on stable storage.
type EventLog interface {
	Append(t time.Time) error
}

// Sample is the per-frame summary handed to sinks. It never carries pixels.
type Sample struct {
	Time      time.Time
	Fill      int
	FPS       float64
	Triggered bool
	Armed     bool
	Window    image.Rectangle
	Settings  settings.Snapshot
}

// Sink consumes samples of analysed frames. Sinks run on the frame goroutine
// and handle their own errors; they cannot stop detection.
type Sink interface {
	Sample(Sample)
}

// Config holds the collaborators of a Detector.
type Config struct {
	// Settings is consulted once per frame.
	Settings settings.Provider
	// Events receives one record per detection.
	Events EventLog
	// DumpPath is overwritten by each requested dump.
	DumpPath string
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// InvalidLogInterval rate-limits the invalid settings warning
	// (default: 10s).
	InvalidLogInterval time.Duration
}

// Detector turns frames into detections. Create it with New.
type Detector struct {
	cfg       Config
	clock     timeutil.Clock
	start     time.Time
	dumpReq   dump.Request
	observers *Registry
	throttle  *monitoring.Throttle

	sinksMu sync.RWMutex
	sinks   []Sink

	// Owned by the frame goroutine.
	machine   *trigger.Machine
	lastFrame time.Duration
	hasLast   bool

	// Published for Status.
	frames        atomic.Int64
	invalid       atomic.Int64
	detections    atomic.Int64
	dumps         atomic.Int64
	lastFill      atomic.Int64
	lastFPS       atomic.Uint64
	lastDetection atomic.Int64
	armed         atomic.Bool
	failure       atomic.Pointer[FatalError]
}

// New returns a Detector. Its trigger starts disarmed with the quiet period
// measured from now.
func New(cfg Config) *Detector {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.InvalidLogInterval == 0 {
		cfg.InvalidLogInterval = 10 * time.Second
	}
	return &Detector{
		cfg:       cfg,
		clock:     cfg.Clock,
		start:     cfg.Clock.Now(),
		observers: NewRegistry(),
		throttle:  &monitoring.Throttle{Interval: cfg.InvalidLogInterval},
		machine:   trigger.New(0),
	}
}

// AddSink attaches a sink. It is safe to call while frames are flowing.
func (d *Detector) AddSink(s Sink) {
	d.sinksMu.Lock()
	defer d.sinksMu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Register adds an observer and returns its id.
func (d *Detector) Register(obs Observer) string { return d.observers.Register(obs) }

// Unregister removes an observer. See Registry.Unregister.
func (d *Detector) Unregister(id string) bool { return d.observers.Unregister(id) }

// RequestDump asks for the next frame to be written to the dump file.
// Repeated requests before that frame collapse into one dump.
func (d *Detector) RequestDump() { d.dumpReq.Request() }

// DumpPath returns the dump file location.
func (d *Detector) DumpPath() string { return d.cfg.DumpPath }

// Settings returns the current settings as HandleFrame would see them.
func (d *Detector) Settings() (settings.Snapshot, error) { return d.cfg.Settings.Load() }

// HandleFrame processes one frame. The frame is not retained after it
// returns. A non-nil error is always a *FatalError and every later call
// returns the same error.
func (d *Detector) HandleFrame(f *frame.Frame) error {
	if fe := d.failure.Load(); fe != nil {
		return fe
	}
	wall := d.clock.Now()
	now := wall.Sub(d.start)

	if f.Format != frame.FormatYUV420 {
		return d.fail(KindFormat, "unsupported image format", frame.ErrUnsupportedFormat)
	}
	if err := f.Validate(); err != nil {
		return d.fail(KindCapture, "unusable frame", err)
	}
	d.frames.Add(1)

	if d.dumpReq.Take() {
		if err := dump.WriteFile(d.cfg.DumpPath, f); err != nil {
			return d.fail(KindDump, "failed to write dump file", err)
		}
		d.dumps.Add(1)
		log.Printf("[detector] dumped to %s", d.cfg.DumpPath)
	}

	snap, err := d.cfg.Settings.Load()
	if err != nil {
		d.invalid.Add(1)
		d.throttle.Logf(wall, "[detector] invalid settings: %v", err)
		d.observers.Notify(Notification{Time: wall})
		return nil
	}

	var fps float64
	if d.hasLast {
		if dt := now - d.lastFrame; dt > 0 {
			fps = float64(time.Second) / float64(dt)
		}
	}
	d.lastFrame, d.hasLast = now, true

	res := analysis.Analyze(f, snap)
	fired := d.machine.Update(res.Fill, now, trigger.Params{
		FillThreshold:  snap.TriggerFillThreshold,
		ResetThreshold: snap.TriggerFillResetThreshold,
		ResetTime:      snap.ResetTime(),
	})
	if fired {
		if err := d.cfg.Events.Append(wall); err != nil {
			return d.fail(KindLog, "failed to write detection log", err)
		}
		d.detections.Add(1)
		d.lastDetection.Store(wall.Unix())
		monitoring.Logf("[detector] detection at %d (fill %d%%)", wall.Unix(), res.Fill)
	}

	d.lastFill.Store(int64(res.Fill))
	d.lastFPS.Store(math.Float64bits(fps))
	d.armed.Store(d.machine.Armed())

	sample := Sample{
		Time:      wall,
		Fill:      res.Fill,
		FPS:       fps,
		Triggered: fired,
		Armed:     d.machine.Armed(),
		Window:    res.Window,
		Settings:  snap,
	}
	d.sinksMu.RLock()
	for _, s := range d.sinks {
		s.Sample(sample)
	}
	d.sinksMu.RUnlock()

	if d.observers.Len() > 0 {
		d.observers.Notify(Notification{
			Time:      wall,
			Valid:     true,
			Image:     preview.Grayscale(f),
			Fill:      res.Fill,
			Triggered: fired,
			FPS:       fps,
			Window:    res.Window,
			Settings:  snap,
		})
	}
	return nil
}

func (d *Detector) fail(kind Kind, msg string, err error) error {
	fe := &FatalError{Kind: kind, Msg: msg, Err: err}
	d.failure.CompareAndSwap(nil, fe)
	return d.failure.Load()
}

// Err returns the fatal error that stopped the detector, if any.
func (d *Detector) Err() error {
	if fe := d.failure.Load(); fe != nil {
		return fe
	}
	return nil
}

// Status is a point-in-time view of the detector counters.
type Status struct {
	Started       time.Time `json:"started"`
	Frames        int64     `json:"frames"`
	InvalidFrames int64     `json:"invalid_frames"`
	Detections    int64     `json:"detections"`
	Dumps         int64     `json:"dumps"`
	LastFill      int       `json:"last_fill"`
	LastFPS       float64   `json:"last_fps"`
	LastDetection int64     `json:"last_detection_unix,omitempty"`
	Armed         bool      `json:"armed"`
	DumpPending   bool      `json:"dump_pending"`
	Observers     int       `json:"observers"`
	Error         string    `json:"error,omitempty"`
}

// Status returns the current counters.
func (d *Detector) Status() Status {
	st := Status{
		Started:       d.start,
		Frames:        d.frames.Load(),
		InvalidFrames: d.invalid.Load(),
		Detections:    d.detections.Load(),
		Dumps:         d.dumps.Load(),
		LastFill:      int(d.lastFill.Load()),
		LastFPS:       math.Float64frombits(d.lastFPS.Load()),
		LastDetection: d.lastDetection.Load(),
		Armed:         d.armed.Load(),
		DumpPending:   d.dumpReq.Pending(),
		Observers:     d.observers.Len(),
	}
	if err := d.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}
