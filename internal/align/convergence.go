package align

import "fmt"

// convergenceMonitor implements the two convergence tests of the iteration
// loop: an absolute cutoff on averageChi2ONdf, and a bounded FIFO window
// comparing the current value against the one from windowSize iterations
// earlier.
type convergenceMonitor struct {
	absCutoff  float64
	windowSize int
	tolerance  float64

	recent []float64
}

func newConvergenceMonitor(absCutoff float64, windowSize int, tolerance float64) *convergenceMonitor {
	return &convergenceMonitor{absCutoff: absCutoff, windowSize: windowSize, tolerance: tolerance}
}

// Observe feeds one iteration's averageChi2ONdf. It reports whether either
// convergence test fired, with a human-readable reason. The checks run in
// fixed order: absolute cutoff first, then the delta window; the value is
// pushed into the window only when neither fires.
func (m *convergenceMonitor) Observe(avgChi2ONdf float64) (bool, string) {
	if avgChi2ONdf <= m.absCutoff {
		return true, fmt.Sprintf("average chi2/ndf %.6g at or below cutoff %.6g", avgChi2ONdf, m.absCutoff)
	}
	if m.windowSize > 0 && len(m.recent) >= m.windowSize {
		oldest := m.recent[0]
		if abs(oldest-avgChi2ONdf) <= m.tolerance {
			return true, fmt.Sprintf("change of chi2/ndf within %.6g over the last %d iterations", m.tolerance, m.windowSize)
		}
		m.recent = m.recent[1:]
	}
	m.recent = append(m.recent, avgChi2ONdf)
	return false, ""
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
