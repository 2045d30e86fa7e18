package source

import (
	"context"
	"time"

	"github.com/banshee-data/pulsemeter/internal/dump"
	"github.com/banshee-data/pulsemeter/internal/frame"
)

// Replay delivers a dumped frame repeatedly.
type Replay struct {
	cfg   Config
	frame *frame.Frame
}

// NewReplay loads the dump named by cfg.ReplayFile.
func NewReplay(cfg Config) (*Replay, error) {
	f, err := dump.ReadFile(cfg.ReplayFile)
	if err != nil {
		return nil, err
	}
	return &Replay{cfg: cfg, frame: f}, nil
}

// Frame returns the loaded frame.
func (r *Replay) Frame() *frame.Frame { return r.frame }

// Run implements Source. It stops after cfg.Loops frames when Loops is
// positive.
func (r *Replay) Run(ctx context.Context, handle Handler) error {
	sent := 0
	return pace(ctx, r.cfg.Clock, r.cfg.FPS, func(time.Time) (bool, error) {
		if err := handle(r.frame); err != nil {
			return false, err
		}
		sent++
		return r.cfg.Loops <= 0 || sent < r.cfg.Loops, nil
	})
}
