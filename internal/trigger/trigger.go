// Package trigger implements the arm/fire hysteresis applied to the per-frame
// fill percentage.
//
// The machine fires on a rising edge only: after firing it stays disarmed
// until the fill has been below min(FillThreshold, ResetThreshold) for
// strictly longer than ResetTime. Timestamps are monotonic offsets supplied
// by the caller.
package trigger

import "time"

// State is the arming state of a Machine.
type State int

const (
	Disarmed State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "disarmed"
}

// Params are the thresholds applied on each update.
type Params struct {
	FillThreshold  int
	ResetThreshold int
	ResetTime      time.Duration
}

// Machine is not safe for concurrent use; the detector drives it from the
// frame goroutine only.
type Machine struct {
	armed      bool
	resetSince time.Duration
}

// New returns a disarmed machine whose quiet period starts at start.
func New(start time.Duration) *Machine {
	return &Machine{resetSince: start}
}

// Update feeds one fill sample taken at now and reports whether it fired.
func (m *Machine) Update(fill int, now time.Duration, p Params) bool {
	if fill >= min(p.FillThreshold, p.ResetThreshold) {
		m.resetSince = now
	} else if now-m.resetSince > p.ResetTime {
		m.armed = true
	}
	if m.armed && fill >= p.FillThreshold {
		m.armed = false
		return true
	}
	return false
}

// State returns the current arming state.
func (m *Machine) State() State {
	if m.armed {
		return Armed
	}
	return Disarmed
}

// Armed reports whether the next qualifying sample will fire.
func (m *Machine) Armed() bool { return m.armed }

// ResetSince returns the last time the fill was at or above the reset level.
func (m *Machine) ResetSince() time.Duration { return m.resetSince }
