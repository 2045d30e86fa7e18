package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/pulsemeter/internal/analysis"
	"github.com/banshee-data/pulsemeter/internal/frame"
	"github.com/banshee-data/pulsemeter/internal/settings"
)

// Layout is the plane arrangement of generated frames.
type Layout int

const (
	// LayoutPlanar: three contiguous planes, pixel stride 1.
	LayoutPlanar Layout = iota
	// LayoutPadded: planar with rows padded to 64 bytes.
	LayoutPadded
	// LayoutSemiPlanar: contiguous luma, U and V interleaved in one buffer.
	LayoutSemiPlanar
	// LayoutWide: luma with pixel stride 2 and semi-planar chroma.
	LayoutWide
)

var layoutNames = []string{"planar", "padded", "semiplanar", "wide"}

func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// ParseLayout maps a layout name to a Layout.
func ParseLayout(s string) (Layout, error) {
	for i, name := range layoutNames {
		if strings.EqualFold(s, name) {
			return Layout(i), nil
		}
	}
	return 0, fmt.Errorf("unknown layout %q: expected one of %s", s, strings.Join(layoutNames, ", "))
}

const (
	backgroundLuma = 60
	spotLuma       = 220
	flashLuma      = 40
	exposureStep   = 8
)

// Synthetic renders a dark scene with a spot of the target colour that
// blinks with a fixed period. The spot sits in the middle of the detection
// window of the current settings.
type Synthetic struct {
	cfg   Config
	frame *frame.Frame
	start time.Time
}

// NewSynthetic validates cfg and allocates the frame buffer.
func NewSynthetic(cfg Config) (*Synthetic, error) {
	if cfg.Width < 2 || cfg.Height < 2 {
		return nil, fmt.Errorf("synthetic frame size %dx%d too small", cfg.Width, cfg.Height)
	}
	if cfg.BlinkPeriod <= 0 || cfg.BlinkOn < 0 || cfg.BlinkOn > cfg.BlinkPeriod {
		return nil, fmt.Errorf("blink on time %v must be within period %v", cfg.BlinkOn, cfg.BlinkPeriod)
	}
	return &Synthetic{cfg: cfg, frame: allocate(cfg.Width, cfg.Height, cfg.Layout)}, nil
}

func allocate(w, h int, layout Layout) *frame.Frame {
	cw, ch := (w+1)/2, (h+1)/2
	switch layout {
	case LayoutPadded:
		yStride, cStride := pad64(w), pad64(cw)
		return &frame.Frame{
			Format: frame.FormatYUV420, Width: w, Height: h,
			Planes: [3]frame.Plane{
				{RowStride: yStride, PixelStride: 1, Data: make([]byte, yStride*h)},
				{RowStride: cStride, PixelStride: 1, Data: make([]byte, cStride*ch)},
				{RowStride: cStride, PixelStride: 1, Data: make([]byte, cStride*ch)},
			},
		}
	case LayoutSemiPlanar, LayoutWide:
		yPixel := 1
		if layout == LayoutWide {
			yPixel = 2
		}
		uv := make([]byte, 2*cw*ch)
		return &frame.Frame{
			Format: frame.FormatYUV420, Width: w, Height: h,
			Planes: [3]frame.Plane{
				{RowStride: w * yPixel, PixelStride: yPixel, Data: make([]byte, w*yPixel*h)},
				{RowStride: 2 * cw, PixelStride: 2, Data: uv[:len(uv)-1]},
				{RowStride: 2 * cw, PixelStride: 2, Data: uv[1:]},
			},
		}
	default:
		return frame.NewYUV420(w, h)
	}
}

func pad64(n int) int { return (n + 63) &^ 63 }

// Lit reports whether the spot is on at elapsed time t.
func (s *Synthetic) Lit(t time.Duration) bool {
	return t%s.cfg.BlinkPeriod < s.cfg.BlinkOn
}

// Render draws the scene at elapsed time t into the reused frame buffer.
func (s *Synthetic) Render(t time.Duration) *frame.Frame {
	snap := settings.Defaults()
	if s.cfg.Settings != nil {
		if loaded, err := s.cfg.Settings.Load(); err == nil {
			snap = loaded
		}
	}
	bg := backgroundLuma + exposureStep*snap.CameraExposureCompensation
	if snap.CameraFlash {
		bg += flashLuma
	}
	f := s.frame
	f.Fill(clampByte(bg), 128, 128)

	if s.Lit(t) {
		win := analysis.Window(f.Width, f.Height, snap)
		cls := analysis.NewClassifier(snap)
		f.FillRect(win.Min.X, win.Min.Y, win.Max.X, win.Max.Y,
			spotLuma, clampByte(cls.SearchU), clampByte(cls.SearchV))
	}
	return f
}

func clampByte(v int) byte {
	return byte(max(0, min(255, v)))
}

// Run implements Source.
func (s *Synthetic) Run(ctx context.Context, handle Handler) error {
	s.start = s.cfg.Clock.Now()
	return pace(ctx, s.cfg.Clock, s.cfg.FPS, func(now time.Time) (bool, error) {
		return true, handle(s.Render(now.Sub(s.start)))
	})
}
