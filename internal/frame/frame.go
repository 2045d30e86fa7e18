// Package frame defines the planar YUV 4:2:0 frames consumed by the detector.
//
// A Frame borrows its plane buffers from the capture layer. Consumers must not
// retain a Frame or its plane slices after the call that received it returns.
package frame

import (
	"errors"
	"fmt"
)

// Format identifies the pixel layout of a frame.
type Format int

const (
	// FormatUnknown is the zero value and is never accepted.
	FormatUnknown Format = iota
	// FormatYUV420 is a three-plane 4:2:0 layout: full-resolution luma and
	// half-resolution U and V planes, each with its own row and pixel stride.
	FormatYUV420
)

// ErrUnsupportedFormat is returned for frames in any format but FormatYUV420.
var ErrUnsupportedFormat = errors.New("unsupported frame format")

// ErrGeometry is returned when plane buffers are too small for the declared
// dimensions and strides.
var ErrGeometry = errors.New("invalid frame geometry")

func (f Format) String() string {
	switch f {
	case FormatYUV420:
		return "YUV_420_888"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat maps a textual tag back to a Format.
func ParseFormat(s string) (Format, error) {
	if s == "YUV_420_888" {
		return FormatYUV420, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Plane indexes.
const (
	PlaneY = 0
	PlaneU = 1
	PlaneV = 2
)

// Plane is one image plane with its own strides.
type Plane struct {
	RowStride   int
	PixelStride int
	Data        []byte
}

// At returns the sample at column x, row y of the plane.
func (p *Plane) At(x, y int) byte {
	return p.Data[y*p.RowStride+x*p.PixelStride]
}

// Frame is a single YUV 4:2:0 image.
type Frame struct {
	Format Format
	Width  int
	Height int
	Planes [3]Plane
}

// ChromaSize returns the dimensions of the U and V planes.
func (f *Frame) ChromaSize() (w, h int) {
	return (f.Width + 1) / 2, (f.Height + 1) / 2
}

// Y returns the luma sample at (x, y).
func (f *Frame) Y(x, y int) byte {
	return f.Planes[PlaneY].At(x, y)
}

// UV returns the chroma samples covering luma position (x, y).
func (f *Frame) UV(x, y int) (u, v byte) {
	return f.Planes[PlaneU].At(x/2, y/2), f.Planes[PlaneV].At(x/2, y/2)
}

// Validate checks the format and that every plane can address each pixel
// the pipeline may index.
func (f *Frame) Validate() error {
	if f.Format != FormatYUV420 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrGeometry, f.Width, f.Height)
	}
	cw, ch := f.ChromaSize()
	dims := [3][2]int{{f.Width, f.Height}, {cw, ch}, {cw, ch}}
	for i := range f.Planes {
		if err := checkPlane(&f.Planes[i], dims[i][0], dims[i][1]); err != nil {
			return fmt.Errorf("%w: plane %d: %v", ErrGeometry, i, err)
		}
	}
	return nil
}

func checkPlane(p *Plane, w, h int) error {
	if p.PixelStride < 1 {
		return fmt.Errorf("pixel stride %d", p.PixelStride)
	}
	if p.RowStride < (w-1)*p.PixelStride+1 {
		return fmt.Errorf("row stride %d too small for width %d", p.RowStride, w)
	}
	last := (h-1)*p.RowStride + (w-1)*p.PixelStride
	if last >= len(p.Data) {
		return fmt.Errorf("buffer length %d, need %d", len(p.Data), last+1)
	}
	return nil
}

// NewYUV420 allocates a contiguous planar frame: pixel stride 1 and row
// stride equal to the plane width on every plane.
func NewYUV420(width, height int) *Frame {
	cw, ch := (width+1)/2, (height+1)/2
	return &Frame{
		Format: FormatYUV420,
		Width:  width,
		Height: height,
		Planes: [3]Plane{
			{RowStride: width, PixelStride: 1, Data: make([]byte, width*height)},
			{RowStride: cw, PixelStride: 1, Data: make([]byte, cw*ch)},
			{RowStride: cw, PixelStride: 1, Data: make([]byte, cw*ch)},
		},
	}
}

// Fill sets every pixel of the frame to the given sample values.
func (f *Frame) Fill(y, u, v byte) {
	f.FillRect(0, 0, f.Width, f.Height, y, u, v)
}

// FillRect paints the luma rectangle [x0,x1)×[y0,y1) and the chroma samples
// covering it.
func (f *Frame) FillRect(x0, y0, x1, y1 int, y, u, v byte) {
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, f.Width), min(y1, f.Height)
	py := &f.Planes[PlaneY]
	for row := y0; row < y1; row++ {
		for col := x0; col < x1; col++ {
			py.Data[row*py.RowStride+col*py.PixelStride] = y
		}
	}
	pu, pv := &f.Planes[PlaneU], &f.Planes[PlaneV]
	for row := y0 / 2; row < (y1+1)/2; row++ {
		for col := x0 / 2; col < (x1+1)/2; col++ {
			pu.Data[row*pu.RowStride+col*pu.PixelStride] = u
			pv.Data[row*pv.RowStride+col*pv.PixelStride] = v
		}
	}
}
