package monitor

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/pulsemeter/internal/detector"
)

// Thresholds are drawn as horizontal reference lines on the fill plot.
type Thresholds struct {
	Fill  int
	Reset int
}

var (
	fillColor    = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	triggerColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	resetColor   = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

// PlotFill writes a PNG of the retained fill history.
func (m *Monitor) PlotFill(w io.Writer, th Thresholds) error {
	return PlotFill(w, m.Samples(), th)
}

// PlotFill writes a PNG of fill against seconds since the first sample,
// with the thresholds and a marker on every detection.
func PlotFill(w io.Writer, samples []detector.Sample, th Thresholds) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	start := samples[0].Time

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Window fill since %s", start.Format("15:04:05"))
	p.X.Label.Text = "Seconds"
	p.Y.Label.Text = "Fill (%)"
	p.Y.Min = 0
	p.Y.Max = 100

	fills := make(plotter.XYs, 0, len(samples))
	var fired plotter.XYs
	for _, s := range samples {
		pt := plotter.XY{X: s.Time.Sub(start).Seconds(), Y: float64(s.Fill)}
		fills = append(fills, pt)
		if s.Triggered {
			fired = append(fired, pt)
		}
	}
	end := fills[len(fills)-1].X

	fillLine, err := plotter.NewLine(fills)
	if err != nil {
		return err
	}
	fillLine.Color = fillColor
	fillLine.Width = vg.Points(1)
	p.Add(fillLine)
	p.Legend.Add("fill", fillLine)

	for _, ref := range []struct {
		label string
		value int
		col   color.Color
	}{
		{"trigger", th.Fill, triggerColor},
		{"reset", th.Reset, resetColor},
	} {
		line, err := plotter.NewLine(plotter.XYs{{X: 0, Y: float64(ref.value)}, {X: end, Y: float64(ref.value)}})
		if err != nil {
			return err
		}
		line.Color = ref.col
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%s %d%%", ref.label, ref.value), line)
	}

	if len(fired) > 0 {
		marks, err := plotter.NewScatter(fired)
		if err != nil {
			return err
		}
		marks.GlyphStyle.Color = triggerColor
		marks.GlyphStyle.Shape = draw.CircleGlyph{}
		marks.GlyphStyle.Radius = vg.Points(3)
		p.Add(marks)
		p.Legend.Add("detection", marks)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
