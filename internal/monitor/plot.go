// Package monitor renders alignment run diagnostics: convergence plots
// (PNG) and a standalone HTML report. It consumes the engine's iteration
// history after a run; nothing here feeds back into the alignment loop.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/trackalign/internal/align"
)

// WriteConvergencePlots writes two PNGs into outputDir: the average
// chi2/ndf per iteration and the predicted chi2 change per iteration.
// Returns the number of plots written.
func WriteConvergencePlots(history []align.IterationStats, outputDir string) (int, error) {
	if len(history) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	avgPts := make(plotter.XYs, 0, len(history))
	deltaPts := make(plotter.XYs, 0, len(history))
	for _, it := range history {
		avgPts = append(avgPts, plotter.XY{X: float64(it.Iteration), Y: it.AverageChi2ONdf})
		deltaPts = append(deltaPts, plotter.XY{X: float64(it.Iteration), Y: it.DeltaChi2})
	}

	if err := writeLinePlot(avgPts, "Alignment Convergence", "Iteration", "Average chi2/ndf",
		filepath.Join(outputDir, "avg_chi2_ondf.png")); err != nil {
		return 0, err
	}
	if err := writeLinePlot(deltaPts, "Predicted chi2 Change", "Iteration", "delta chi2",
		filepath.Join(outputDir, "delta_chi2.png")); err != nil {
		return 1, err
	}
	return 2, nil
}

func writeLinePlot(pts plotter.XYs, title, xLabel, yLabel, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("build line for %s: %w", title, err)
	}
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Add(plotter.NewGrid())

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
