package monitor

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/pulsemeter/internal/db"
)

// RenderDetectionChart writes an HTML page with a bar chart of detections per
// hour. With impulsesPerKWh > 0 a second series shows the energy in kWh.
func RenderDetectionChart(w io.Writer, counts []db.HourlyCount, impulsesPerKWh float64) error {
	x := make([]string, 0, len(counts))
	detections := make([]opts.BarData, 0, len(counts))
	energy := make([]opts.BarData, 0, len(counts))
	var total int64
	for _, c := range counts {
		x = append(x, c.Hour.Local().Format("Jan 2 15:04"))
		detections = append(detections, opts.BarData{Value: c.Count})
		if impulsesPerKWh > 0 {
			energy = append(energy, opts.BarData{Value: float64(c.Count) / impulsesPerKWh})
		}
		total += c.Count
	}

	subtitle := fmt.Sprintf("%d detections, generated %s", total, time.Now().Format(time.RFC3339))
	if impulsesPerKWh > 0 {
		subtitle = fmt.Sprintf("%d detections (%.3f kWh at %g imp/kWh), generated %s",
			total, float64(total)/impulsesPerKWh, impulsesPerKWh, time.Now().Format(time.RFC3339))
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pulsemeter", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Detections per hour", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("detections", detections,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	if impulsesPerKWh > 0 {
		bar.AddSeries("kWh", energy)
	}

	page := components.NewPage()
	page.AddCharts(bar)
	return page.Render(w)
}
