// Package dump serialises a raw frame with its plane layout so that captures
// can be inspected or replayed offline.
//
// A dump is a text header of key:value lines in a fixed order followed by the
// Y, U and V plane bytes exactly as captured.
package dump

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/banshee-data/pulsemeter/internal/frame"
)

// ErrFormat is returned for dumps that do not follow the header layout.
var ErrFormat = errors.New("malformed dump")

// maxPlaneLength bounds the plane sizes accepted by Read.
const maxPlaneLength = 1 << 28

var headerKeys = []string{
	"format", "width", "height",
	"y_row_stride", "y_pixel_stride", "y_length",
	"u_row_stride", "u_pixel_stride", "u_length",
	"v_row_stride", "v_pixel_stride", "v_length",
}

// Request is a one-shot dump flag. Any number of Request calls before the
// next frame result in a single dump.
type Request struct {
	pending atomic.Bool
}

// Request asks for the next frame to be dumped.
func (r *Request) Request() { r.pending.Store(true) }

// Pending reports whether a dump has been requested and not yet taken.
func (r *Request) Pending() bool { return r.pending.Load() }

// Take clears a pending request and reports whether there was one.
func (r *Request) Take() bool { return r.pending.CompareAndSwap(true, false) }

// Write serialises f to w.
func Write(w io.Writer, f *frame.Frame) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "format:%s\n", f.Format)
	fmt.Fprintf(bw, "width:%d\n", f.Width)
	fmt.Fprintf(bw, "height:%d\n", f.Height)
	for i, name := range []string{"y", "u", "v"} {
		p := &f.Planes[i]
		fmt.Fprintf(bw, "%s_row_stride:%d\n", name, p.RowStride)
		fmt.Fprintf(bw, "%s_pixel_stride:%d\n", name, p.PixelStride)
		fmt.Fprintf(bw, "%s_length:%d\n", name, len(p.Data))
	}
	for i := range f.Planes {
		if _, err := bw.Write(f.Planes[i].Data); err != nil {
			return fmt.Errorf("write plane %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write dump: %w", err)
	}
	return nil
}

// WriteFile replaces the dump at path with f and syncs it.
func WriteFile(path string, f *frame.Frame) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	if err := Write(out, f); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync dump file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close dump file: %w", err)
	}
	return nil
}

// Read parses a dump. The returned frame owns freshly allocated planes.
func Read(r io.Reader) (*frame.Frame, error) {
	br := bufio.NewReader(r)
	values := make(map[string]string, len(headerKeys))
	for _, want := range headerKeys {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: header %s: %v", ErrFormat, want, err)
		}
		key, value, ok := strings.Cut(strings.TrimSuffix(line, "\n"), ":")
		if !ok || key != want {
			return nil, fmt.Errorf("%w: unexpected key %q, want %q", ErrFormat, key, want)
		}
		values[key] = value
	}

	format, err := frame.ParseFormat(values["format"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	ints := make(map[string]int, len(headerKeys)-1)
	for _, k := range headerKeys[1:] {
		n, err := strconv.Atoi(values[k])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %s=%q", ErrFormat, k, values[k])
		}
		ints[k] = n
	}

	f := &frame.Frame{Format: format, Width: ints["width"], Height: ints["height"]}
	for i, name := range []string{"y", "u", "v"} {
		n := ints[name+"_length"]
		if n > maxPlaneLength {
			return nil, fmt.Errorf("%w: %s_length %d too large", ErrFormat, name, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, fmt.Errorf("%w: %s plane: %v", ErrFormat, name, err)
		}
		f.Planes[i] = frame.Plane{
			RowStride:   ints[name+"_row_stride"],
			PixelStride: ints[name+"_pixel_stride"],
			Data:        data,
		}
	}
	return f, nil
}

// ReadFile parses the dump at path and checks its geometry.
func ReadFile(path string) (*frame.Frame, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	defer in.Close()
	f, err := Read(in)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
