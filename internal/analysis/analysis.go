// Package analysis measures how much of the detection window is covered by
// the target colour in a single frame.
package analysis

import (
	"image"
	"math"

	"github.com/banshee-data/pulsemeter/internal/frame"
	"github.com/banshee-data/pulsemeter/internal/settings"
)

// PreferredResolution is the luma pixel budget the sampler aims for. The
// chroma planes hold a quarter of it.
const PreferredResolution = 320 * 240 * 4

// Window returns the detection rectangle for a w×h frame. The band runs
// across the full frame perpendicular to the camera's up direction and is
// always clamped to the frame bounds.
func Window(w, h int, s settings.Snapshot) image.Rectangle {
	var r image.Rectangle
	switch s.CameraRotation {
	case 0:
		r.Min.Y = h * s.WindowOffset / 100
		r.Max.Y = r.Min.Y + h*s.WindowHeight/100
		r.Max.X = w
	case 180:
		r.Max.Y = h * (100 - s.WindowOffset) / 100
		r.Min.Y = r.Max.Y - h*s.WindowHeight/100
		r.Max.X = w
	case 90:
		r.Min.X = w * s.WindowOffset / 100
		r.Max.X = r.Min.X + w*s.WindowHeight/100
		r.Max.Y = h
	case 270:
		r.Max.X = w * (100 - s.WindowOffset) / 100
		r.Min.X = r.Max.X - w*s.WindowHeight/100
		r.Max.Y = h
	}
	return r.Canon().Intersect(image.Rect(0, 0, w, h))
}

// Stride returns the sampling step for a w×h frame. It is always even so
// that halving a sampled luma coordinate lands on the matching chroma sample.
func Stride(w, h int) int {
	n := int(math.Sqrt(float64(w) * float64(h) / PreferredResolution))
	return 2 * max(1, n)
}

// Classifier decides whether a single YUV sample has the target colour.
// All parameters are on the 0..255 byte scale.
type Classifier struct {
	SearchU           int
	SearchV           int
	DistanceThreshold int
	LumaThreshold     int
}

// NewClassifier scales the 0..100 settings to byte range.
func NewClassifier(s settings.Snapshot) Classifier {
	return Classifier{
		SearchU:           s.ColorBlueProjection * 255 / 100,
		SearchV:           s.ColorRedProjection * 255 / 100,
		DistanceThreshold: s.ColorDistanceThreshold * 255 / 100,
		LumaThreshold:     s.ColorLumaThreshold * 255 / 100,
	}
}

// DistanceSquared returns the squared chrominance distance to the target.
func (c Classifier) DistanceSquared(u, v byte) int {
	du := c.SearchU - int(u)
	dv := c.SearchV - int(v)
	return du*du + dv*dv
}

// Match reports whether the sample is bright enough and close enough to
// the target chrominance.
func (c Classifier) Match(y, u, v byte) bool {
	if int(y) < c.LumaThreshold {
		return false
	}
	return c.DistanceSquared(u, v) <= c.DistanceThreshold*c.DistanceThreshold
}

// Result is the outcome of analysing one frame.
type Result struct {
	Window  image.Rectangle
	Stride  int
	Samples int
	Matches int
	// FillCount is the stride-weighted match count, capped at the window area.
	FillCount int
	// Fill is the matched share of the window in percent, 0..100.
	Fill int
}

// Analyze samples the detection window of f and computes its fill. The
// frame must have passed Validate.
func Analyze(f *frame.Frame, s settings.Snapshot) Result {
	res := Result{
		Window: Window(f.Width, f.Height, s),
		Stride: Stride(f.Width, f.Height),
	}
	cls := NewClassifier(s)
	win := res.Window
	py, pu, pv := &f.Planes[frame.PlaneY], &f.Planes[frame.PlaneU], &f.Planes[frame.PlaneV]
	step := res.Stride
	weight := step * step

	for y := win.Min.Y; y < win.Max.Y; y += step {
		yRow := y * py.RowStride
		uRow := (y / 2) * pu.RowStride
		vRow := (y / 2) * pv.RowStride
		for x := win.Min.X; x < win.Max.X; x += step {
			res.Samples++
			luma := py.Data[yRow+x*py.PixelStride]
			if int(luma) < cls.LumaThreshold {
				continue
			}
			u := pu.Data[uRow+(x/2)*pu.PixelStride]
			v := pv.Data[vRow+(x/2)*pv.PixelStride]
			if cls.DistanceSquared(u, v) <= cls.DistanceThreshold*cls.DistanceThreshold {
				res.Matches++
				res.FillCount += weight
			}
		}
	}

	area := win.Dx() * win.Dy()
	res.FillCount = min(res.FillCount, area)
	if area > 0 {
		res.Fill = 100 * res.FillCount / area
	}
	return res
}
