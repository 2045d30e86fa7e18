// Package preview turns frames into images for observers: a grayscale copy of
// the luma plane, an annotated upright rendering and scaled thumbnails.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"github.com/disintegration/gift"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/banshee-data/pulsemeter/internal/frame"
)

// Grayscale copies the luma plane of f into a new image. Contiguous planes
// are copied in one go, padded rows one row at a time and anything with a
// pixel stride above one sample by sample.
func Grayscale(f *frame.Frame) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	p := &f.Planes[frame.PlaneY]
	w, h := f.Width, f.Height

	switch {
	case p.PixelStride == 1 && p.RowStride == w:
		copy(img.Pix, p.Data[:w*h])
	case p.PixelStride == 1:
		for y := 0; y < h; y++ {
			copy(img.Pix[y*w:(y+1)*w], p.Data[y*p.RowStride:y*p.RowStride+w])
		}
	default:
		for y := 0; y < h; y++ {
			row := img.Pix[y*w : (y+1)*w]
			src := y * p.RowStride
			for x := range row {
				row[x] = p.Data[src+x*p.PixelStride]
			}
		}
	}
	return img
}

// Rotate turns img clockwise by degrees, which must be a multiple of 90.
func Rotate(img image.Image, degrees int) image.Image {
	var filter gift.Filter
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		filter = gift.Rotate270()
	case 180:
		filter = gift.Rotate180()
	case 270:
		filter = gift.Rotate90()
	default:
		return img
	}
	g := gift.New(filter)
	dst := image.NewRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// Overlay describes the annotations drawn by Render.
type Overlay struct {
	Rotation     int
	WindowOffset int
	WindowHeight int
	Fill         int
	FPS          float64
	Triggered    bool
}

var (
	windowColor    = color.RGBA{R: 0xff, A: 0xff}
	triggeredColor = color.RGBA{R: 0x80, A: 0x80}
	labelBG        = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xc8}
)

// Render rotates img upright and draws the detection band, a trigger hint
// and a status line.
func Render(img image.Image, o Overlay) *image.RGBA {
	up := Rotate(img, o.Rotation)
	b := up.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), up, b.Min, draw.Src)

	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	top := h * o.WindowOffset / 100
	bottom := h * (o.WindowOffset + o.WindowHeight) / 100

	if o.Triggered {
		shade := image.NewUniform(triggeredColor)
		draw.Draw(dst, image.Rect(0, 0, w, top), shade, image.Point{}, draw.Over)
		draw.Draw(dst, image.Rect(0, bottom, w, h), shade, image.Point{}, draw.Over)
	}
	strokeRect(dst, image.Rect(0, top, w, bottom), windowColor)

	raw := img.Bounds()
	label := fmt.Sprintf("Fill: %d%% Fps: %.1f Res: %dx%d", o.Fill, o.FPS, raw.Dx(), raw.Dy())
	drawLabel(dst, 5, 5, label)
	return dst
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	for x := r.Min.X; x < r.Max.X; x++ {
		dst.SetRGBA(x, r.Min.Y, c)
		dst.SetRGBA(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		dst.SetRGBA(r.Min.X, y, c)
		dst.SetRGBA(r.Max.X-1, y, c)
	}
}

func drawLabel(dst *image.RGBA, x, y int, label string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil()
	bg := image.Rect(x, y, x+width+10, y+face.Height+6)
	draw.Draw(dst, bg, image.NewUniform(labelBG), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.Black,
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x + 5), Y: fixed.I(y + 3 + face.Ascent)},
	}
	d.DrawString(label)
}

// Thumbnail scales img so that its longer side is at most maxSide pixels.
// Smaller images and a non-positive maxSide return img unchanged.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	long := max(b.Dx(), b.Dy())
	if maxSide <= 0 || long <= maxSide {
		return img
	}
	w := max(1, b.Dx()*maxSide/long)
	h := max(1, b.Dy()*maxSide/long)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// EncodePNG writes img as a PNG tuned for speed over size.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}
