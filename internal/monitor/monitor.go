// Package monitor keeps a short history of analysed frames and renders
// summaries and charts from it.
package monitor

import (
	"errors"
	"math"
	"slices"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pulsemeter/internal/detector"
)

// ErrNoSamples is returned when there is nothing to summarise or plot.
var ErrNoSamples = errors.New("no samples recorded")

// DefaultCapacity holds roughly five minutes at 30 frames per second.
const DefaultCapacity = 9000

// Monitor is a detector.Sink holding the most recent samples in a ring.
type Monitor struct {
	mu   sync.Mutex
	ring []detector.Sample
	next int
	full bool
}

// New returns a Monitor keeping up to capacity samples.
func New(capacity int) *Monitor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Monitor{ring: make([]detector.Sample, capacity)}
}

// Sample implements detector.Sink.
func (m *Monitor) Sample(s detector.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = s
	m.next++
	if m.next == len(m.ring) {
		m.next = 0
		m.full = true
	}
}

// Samples returns the retained samples, oldest first.
func (m *Monitor) Samples() []detector.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return slices.Clone(m.ring[:m.next])
	}
	out := make([]detector.Sample, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	return append(out, m.ring[:m.next]...)
}

// Summary describes fill and frame rate over the retained samples.
type Summary struct {
	Samples    int     `json:"samples"`
	Seconds    float64 `json:"seconds"`
	FillMean   float64 `json:"fill_mean"`
	FillStdDev float64 `json:"fill_stddev"`
	FillMax    float64 `json:"fill_max"`
	FillP95    float64 `json:"fill_p95"`
	FPSMean    float64 `json:"fps_mean"`
	FPSStdDev  float64 `json:"fps_stddev"`
	Detections int     `json:"detections"`
}

// Summary summarises the retained samples.
func (m *Monitor) Summary() (Summary, error) {
	return Summarize(m.Samples())
}

// Summarize computes a Summary. Frames with the zero frame-rate sentinel are
// left out of the frame-rate statistics.
func Summarize(samples []detector.Sample) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrNoSamples
	}
	fills := make([]float64, 0, len(samples))
	fps := make([]float64, 0, len(samples))
	sum := Summary{Samples: len(samples)}
	for _, s := range samples {
		fills = append(fills, float64(s.Fill))
		if s.FPS > 0 {
			fps = append(fps, s.FPS)
		}
		if s.Triggered {
			sum.Detections++
		}
	}
	sum.Seconds = samples[len(samples)-1].Time.Sub(samples[0].Time).Seconds()

	sum.FillMean, sum.FillStdDev = meanStdDev(fills)
	slices.Sort(fills)
	sum.FillMax = fills[len(fills)-1]
	sum.FillP95 = stat.Quantile(0.95, stat.Empirical, fills, nil)
	if len(fps) > 0 {
		sum.FPSMean, sum.FPSStdDev = meanStdDev(fps)
	}
	return sum, nil
}

// meanStdDev reports a zero deviation for a single value instead of NaN.
func meanStdDev(x []float64) (float64, float64) {
	mean, std := stat.MeanStdDev(x, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}
