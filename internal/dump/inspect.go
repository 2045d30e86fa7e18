package dump

import (
	"image"
	"image/color"
	"math"

	"github.com/banshee-data/pulsemeter/internal/analysis"
	"github.com/banshee-data/pulsemeter/internal/frame"
	"github.com/banshee-data/pulsemeter/internal/settings"
)

// Images are the diagnostic renderings of a dumped frame.
type Images struct {
	// YUV maps V to red, Y to green and U to blue.
	YUV *image.RGBA
	// Color is the frame converted to RGB.
	Color *image.RGBA
	// Dist shows the chrominance distance to the target colour, saturating
	// at 255.
	Dist *image.Gray
	// Mask keeps the RGB pixels the classifier matches and blacks out the rest.
	Mask *image.RGBA
}

// Inspect classifies every pixel of f (no sampling stride) using the colour
// settings of s.
func Inspect(f *frame.Frame, s settings.Snapshot) Images {
	bounds := image.Rect(0, 0, f.Width, f.Height)
	out := Images{
		YUV:   image.NewRGBA(bounds),
		Color: image.NewRGBA(bounds),
		Dist:  image.NewGray(bounds),
		Mask:  image.NewRGBA(bounds),
	}
	cls := analysis.NewClassifier(s)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			py := f.Y(x, y)
			pu, pv := f.UV(x, y)
			out.YUV.SetRGBA(x, y, color.RGBA{R: pv, G: py, B: pu, A: 0xff})

			rgb := ToRGB(py, pu, pv)
			out.Color.SetRGBA(x, y, rgb)

			d2 := cls.DistanceSquared(pu, pv)
			out.Dist.SetGray(x, y, color.Gray{Y: uint8(min(255, int(math.Round(math.Sqrt(float64(d2))))))})

			if cls.Match(py, pu, pv) {
				out.Mask.SetRGBA(x, y, rgb)
			} else {
				out.Mask.SetRGBA(x, y, color.RGBA{A: 0xff})
			}
		}
	}
	return out
}

// ToRGB converts one video-range YUV sample to RGB with 16.16 fixed-point
// BT.601 coefficients.
func ToRGB(y, u, v byte) color.RGBA {
	yi, ui, vi := int(y), int(u), int(v)
	y1 := ((19077 << 8) * yi) >> 16
	r := (y1 + (((26149 << 8) * vi) >> 16) - 14234) >> 6
	g := (y1 - (((6419 << 8) * ui) >> 16) - (((13320 << 8) * vi) >> 16) + 8708) >> 6
	b := (y1 + (((33050 << 8) * ui) >> 16) - 17685) >> 6
	return color.RGBA{R: clamp8(r), G: clamp8(g), B: clamp8(b), A: 0xff}
}

func clamp8(v int) uint8 {
	return uint8(max(0, min(255, v)))
}
