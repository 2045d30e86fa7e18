// Command dump-inspect renders a raw frame dump as PNGs next to the input:
// <base>.yuv.png, <base>.color.png, <base>.dist.png and <base>.mask.png.
package main

import (
	"flag"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/pulsemeter/internal/dump"
	"github.com/banshee-data/pulsemeter/internal/preview"
	"github.com/banshee-data/pulsemeter/internal/settings"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stderr io.Writer) error {
	defaults := settings.Defaults()
	fs := flag.NewFlagSet("dump-inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	rotation := fs.Int("rotation", defaults.CameraRotation, "camera rotation: 0, 90, 180 or 270")
	blue := fs.Int("blue", defaults.ColorBlueProjection, "colour blue projection (0-100)")
	red := fs.Int("red", defaults.ColorRedProjection, "colour red projection (0-100)")
	dist := fs.Int("dist", defaults.ColorDistanceThreshold, "colour distance threshold (0-100)")
	luma := fs.Int("luma", defaults.ColorLumaThreshold, "colour luma threshold (0-100)")
	settingsFile := fs.String("settings", "", "read colour settings from a TOML file instead of the flags")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: dump-inspect [flags] INPUT\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected one input dump, got %d arguments", fs.NArg())
	}
	input := fs.Arg(0)

	snap := defaults
	if *settingsFile != "" {
		loaded, err := settings.NewFileProvider(*settingsFile).Load()
		if err != nil {
			return err
		}
		snap = loaded
	} else {
		snap.CameraRotation = *rotation
		snap.ColorBlueProjection = *blue
		snap.ColorRedProjection = *red
		snap.ColorDistanceThreshold = *dist
		snap.ColorLumaThreshold = *luma
		if err := snap.Validate(); err != nil {
			return err
		}
	}

	f, err := dump.ReadFile(input)
	if err != nil {
		return err
	}
	imgs := dump.Inspect(f, snap)

	base := strings.TrimSuffix(input, filepath.Ext(input))
	for _, out := range []struct {
		name string
		img  image.Image
	}{
		{"yuv", imgs.YUV},
		{"color", imgs.Color},
		{"dist", imgs.Dist},
		{"mask", imgs.Mask},
	} {
		path := base + "." + out.name + ".png"
		fmt.Fprintf(stderr, "Saving %s\n", path)
		if err := savePNG(path, preview.Rotate(out.img, snap.CameraRotation)); err != nil {
			return err
		}
		if out.name == "yuv" {
			fmt.Fprint(stderr, "    Channel Mapping:\n"+
				"      * R: Red Projection (V)\n"+
				"      * G: Luma (Y)\n"+
				"      * B: Blue Projection (U)\n")
		}
	}
	return nil
}

func savePNG(path string, img image.Image) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := preview.EncodePNG(w, img); err != nil {
		w.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return w.Close()
}
