package registration

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// WriteAlignmentReport renders an HTML page summarizing a completed run:
// per-frame fitness as a line chart, the aggregated camera track as a
// scatter plot, and per-loop mean fitness as a bar chart. The directory is
// created if needed.
func WriteAlignmentReport(path string, loops []Loop, transforms []Transform) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer f.Close()
	if err := RenderAlignmentReport(f, loops, transforms); err != nil {
		return fmt.Errorf("report %s: %w", path, err)
	}
	return nil
}

// RenderAlignmentReport writes the report HTML to w.
func RenderAlignmentReport(w io.Writer, loops []Loop, transforms []Transform) error {
	page := components.NewPage()
	page.SetPageTitle("Alignment report")
	page.AddCharts(
		fitnessLineChart(loops),
		trajectoryScatterChart(transforms),
		loopFitnessBarChart(loops),
	)
	return page.Render(w)
}

// fitnessLineChart plots the fine-stage fitness of every inner frame in
// loop order. Seed frames score zero and are skipped.
func fitnessLineChart(loops []Loop) *charts.Line {
	var x []string
	var y []opts.LineData
	for _, loop := range loops {
		for i, score := range loop.InnerFitness {
			if i == 0 {
				continue
			}
			x = append(x, fmt.Sprintf("%d/%d", loop.Start, i))
			y = append(y, opts.LineData{Value: score})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Fine alignment fitness",
			Subtitle: fmt.Sprintf("%d loops, %d scored frames", len(loops), len(y)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "loop start / inner frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "mean sq error"}),
	)
	line.SetXAxis(x).AddSeries("fitness", y,
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	return line
}

// trajectoryScatterChart plots the aggregated camera positions projected
// onto the ground plane.
func trajectoryScatterChart(transforms []Transform) *charts.Scatter {
	data := make([]opts.ScatterData, 0, len(transforms))
	for _, t := range transforms {
		o := t.Origin()
		data = append(data, opts.ScatterData{Value: []interface{}{o.X, o.Z}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "700px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Camera track",
			Subtitle: fmt.Sprintf("%d poses, top-down X/Z", len(transforms)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Z"}),
	)
	scatter.AddSeries("track", data,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	return scatter
}

// loopFitnessBarChart compares loops by their mean fitness.
func loopFitnessBarChart(loops []Loop) *charts.Bar {
	x := make([]string, 0, len(loops))
	y := make([]opts.BarData, 0, len(loops))
	for _, loop := range loops {
		x = append(x, fmt.Sprintf("[%d, %d]", loop.Start, loop.End))
		y = append(y, opts.BarData{Value: meanFitness(loop.InnerFitness)})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Mean fitness per loop"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).AddSeries("mean fitness", y,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))
	return bar
}
