// Package source delivers frames to the detector. It stands in for the camera
// capture layer: frames arrive one at a time on the source goroutine and their
// buffers are reused once the handler returns.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/pulsemeter/internal/frame"
	"github.com/banshee-data/pulsemeter/internal/settings"
	"github.com/banshee-data/pulsemeter/internal/timeutil"
)

// Handler processes one frame. A non-nil error stops the source.
type Handler func(*frame.Frame) error

// Source produces frames until its context ends or the handler fails.
type Source interface {
	Run(ctx context.Context, handle Handler) error
}

// Config selects and parameterises a source.
type Config struct {
	Kind string // "synthetic" or "replay"

	FPS   float64
	Clock timeutil.Clock

	// Synthetic
	Width       int
	Height      int
	Layout      Layout
	BlinkPeriod time.Duration
	BlinkOn     time.Duration
	// Settings supplies the target colour and the flash and exposure
	// parameters; nil uses settings.Defaults.
	Settings settings.Provider

	// Replay
	ReplayFile string
	Loops      int
}

// Open builds the source described by cfg.
func Open(cfg Config) (Source, error) {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("frame rate must be positive, got %v", cfg.FPS)
	}
	switch cfg.Kind {
	case "synthetic", "":
		return NewSynthetic(cfg)
	case "replay":
		return NewReplay(cfg)
	default:
		return nil, fmt.Errorf("unknown source %q: expected synthetic or replay", cfg.Kind)
	}
}

func interval(fps float64) time.Duration {
	return time.Duration(float64(time.Second) / fps)
}

// pace calls emit on every tick of a ticker running at fps.
func pace(ctx context.Context, clock timeutil.Clock, fps float64, emit func(now time.Time) (bool, error)) error {
	ticker := clock.NewTicker(interval(fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			more, err := emit(now)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
}
