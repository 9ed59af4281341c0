// Package config loads alignment run configuration. The canonical defaults
// live in config/align.defaults.json; fields omitted from a loaded file
// fall back to the Get* defaults, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical alignment defaults file.
const DefaultConfigPath = "config/align.defaults.json"

// AlignConfig is the root run configuration. Pointer fields distinguish
// "absent" from zero so a partial JSON overlay only overrides what it sets.
type AlignConfig struct {
	// Convergence
	AverageChi2ONdfCutoff *float64 `json:"average_chi2_ondf_cutoff,omitempty"`
	DeltaChi2WindowSize   *int     `json:"delta_chi2_window_size,omitempty"`
	DeltaChi2Tolerance    *float64 `json:"delta_chi2_tolerance,omitempty"`
	MaxIterations         *int     `json:"max_iterations,omitempty"`

	// Solver
	StrictSolve *bool `json:"strict_solve,omitempty"`
	Workers     *int  `json:"workers,omitempty"`

	// IterationMasks maps an iteration index (as decimal string) to a
	// six-character DOF bitmask, rotZ leftmost, centerX rightmost.
	// E.g. {"0": "000111"} aligns translations only on iteration 0.
	IterationMasks map[string]string `json:"iteration_masks,omitempty"`
}

// EmptyAlignConfig returns a config with all fields unset.
func EmptyAlignConfig() *AlignConfig {
	return &AlignConfig{}
}

// LoadAlignConfig loads an AlignConfig from a JSON file.
func LoadAlignConfig(path string) (*AlignConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Size cap, matching the tuning loader this was lifted from (1MB).
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAlignConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching upward from the working directory. Panics if the file cannot be
// found; intended for tests and binaries that have already validated config
// availability.
func MustLoadDefaultConfig() *AlignConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/storage/sqlite/
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadAlignConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks value ranges. Unset fields are valid.
func (c *AlignConfig) Validate() error {
	if c.AverageChi2ONdfCutoff != nil && *c.AverageChi2ONdfCutoff <= 0 {
		return fmt.Errorf("average_chi2_ondf_cutoff must be positive, got %g", *c.AverageChi2ONdfCutoff)
	}
	if c.DeltaChi2WindowSize != nil && *c.DeltaChi2WindowSize < 1 {
		return fmt.Errorf("delta_chi2_window_size must be at least 1, got %d", *c.DeltaChi2WindowSize)
	}
	if c.DeltaChi2Tolerance != nil && *c.DeltaChi2Tolerance < 0 {
		return fmt.Errorf("delta_chi2_tolerance must not be negative, got %g", *c.DeltaChi2Tolerance)
	}
	if c.MaxIterations != nil && *c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", *c.MaxIterations)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	for idx, mask := range c.IterationMasks {
		if len(mask) != 6 {
			return fmt.Errorf("iteration mask %q for iteration %s must be 6 characters", mask, idx)
		}
		for _, ch := range mask {
			if ch != '0' && ch != '1' {
				return fmt.Errorf("iteration mask %q for iteration %s may contain only 0 and 1", mask, idx)
			}
		}
	}
	return nil
}

// GetAverageChi2ONdfCutoff returns the absolute convergence cutoff.
func (c *AlignConfig) GetAverageChi2ONdfCutoff() float64 {
	if c.AverageChi2ONdfCutoff != nil {
		return *c.AverageChi2ONdfCutoff
	}
	return 0.05
}

// GetDeltaChi2WindowSize returns the convergence window length.
func (c *AlignConfig) GetDeltaChi2WindowSize() int {
	if c.DeltaChi2WindowSize != nil {
		return *c.DeltaChi2WindowSize
	}
	return 10
}

// GetDeltaChi2Tolerance returns the window convergence tolerance.
func (c *AlignConfig) GetDeltaChi2Tolerance() float64 {
	if c.DeltaChi2Tolerance != nil {
		return *c.DeltaChi2Tolerance
	}
	return 0.00001
}

// GetMaxIterations returns the iteration budget.
func (c *AlignConfig) GetMaxIterations() int {
	if c.MaxIterations != nil {
		return *c.MaxIterations
	}
	return 5
}

// GetStrictSolve reports whether a singular Hessian aborts the run.
func (c *AlignConfig) GetStrictSolve() bool {
	if c.StrictSolve != nil {
		return *c.StrictSolve
	}
	return false
}

// GetWorkers returns the track-evaluation worker count.
func (c *AlignConfig) GetWorkers() int {
	if c.Workers != nil {
		return *c.Workers
	}
	return 1
}
