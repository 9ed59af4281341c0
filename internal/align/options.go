package align

import (
	"fmt"
	"strconv"

	"github.com/banshee-data/trackalign/internal/config"
)

// OptionsFromConfig builds run options from a loaded AlignConfig. Geometry,
// elements and the updater are wiring concerns left for the caller to set.
func OptionsFromConfig(cfg *config.AlignConfig) (Options, error) {
	opts := Options{
		AverageChi2ONdfCutOff: cfg.GetAverageChi2ONdfCutoff(),
		DeltaChi2WindowSize:   cfg.GetDeltaChi2WindowSize(),
		DeltaChi2Tolerance:    cfg.GetDeltaChi2Tolerance(),
		MaxIterations:         cfg.GetMaxIterations(),
		StrictSolve:           cfg.GetStrictSolve(),
		Workers:               cfg.GetWorkers(),
	}
	if len(cfg.IterationMasks) > 0 {
		opts.IterationMasks = make(map[int]DOFMask, len(cfg.IterationMasks))
		for key, val := range cfg.IterationMasks {
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 {
				return Options{}, fmt.Errorf("iteration mask key %q is not a valid iteration index", key)
			}
			mask, err := ParseDOFMask(val)
			if err != nil {
				return Options{}, fmt.Errorf("iteration %d: %w", idx, err)
			}
			opts.IterationMasks[idx] = mask
		}
	}
	return opts, nil
}
