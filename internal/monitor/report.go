package monitor

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/trackalign/internal/align"
	"github.com/banshee-data/trackalign/internal/storage/sqlite"
)

// WriteReport renders a standalone HTML report for one run: a convergence
// line chart plus per-element correction bars with their uncertainties in
// the tooltip.
func WriteReport(w io.Writer, runID string, history []align.IterationStats, corrections []*sqlite.Correction) error {
	page := components.NewPage()
	page.PageTitle = "Alignment Report " + runID

	page.AddCharts(convergenceChart(runID, history))
	if len(corrections) > 0 {
		page.AddCharts(correctionChart(corrections))
	}

	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

func convergenceChart(runID string, history []align.IterationStats) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Average chi2/ndf per iteration",
			Subtitle: fmt.Sprintf("run=%s iterations=%d", runID, len(history)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Iteration"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "chi2/ndf"}),
	)

	xAxis := make([]string, 0, len(history))
	avg := make([]opts.LineData, 0, len(history))
	delta := make([]opts.LineData, 0, len(history))
	for _, it := range history {
		xAxis = append(xAxis, fmt.Sprintf("%d", it.Iteration))
		avg = append(avg, opts.LineData{Value: it.AverageChi2ONdf})
		delta = append(delta, opts.LineData{Value: it.DeltaChi2})
	}
	line.SetXAxis(xAxis).
		AddSeries("avg chi2/ndf", avg).
		AddSeries("delta chi2", delta)
	return line
}

func correctionChart(corrections []*sqlite.Correction) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Solved corrections per element"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Element"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Correction"}),
	)

	labels := []string{"dx", "dy", "dz", "rotX", "rotY", "rotZ"}
	xAxis := make([]string, 0, len(corrections))
	series := make([][]opts.BarData, len(labels))
	for _, c := range corrections {
		xAxis = append(xAxis, c.ElementID)
		for k := 0; k < len(labels); k++ {
			series[k] = append(series[k], opts.BarData{
				Name:  fmt.Sprintf("%s %s ±%.3g", c.ElementID, labels[k], c.Sigma[k]),
				Value: c.Delta[k],
			})
		}
	}
	bar.SetXAxis(xAxis)
	for k, label := range labels {
		bar.AddSeries(label, series[k])
	}
	return bar
}
