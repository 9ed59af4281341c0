package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// Run is one persisted alignment run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	ConfigJSON string
	Converged  bool
	Reason     string

	Chi2            float64
	AverageChi2ONdf float64
	DeltaChi2       float64
	MeasurementDim  int
	AlignmentDof    int
	NumTracks       int
	Iterations      int
}

// IterationRecord is one iteration's convergence statistics.
type IterationRecord struct {
	RunID           string
	Iteration       int
	Mask            string
	Chi2            float64
	MeasurementDim  int
	NumTracks       int
	SkippedTracks   int
	AverageChi2ONdf float64
	DeltaChi2       float64
}

// Correction is the solved rigid-body correction for one element, with the
// covariance-derived per-DOF uncertainties.
type Correction struct {
	RunID     string
	ElementID string
	Slot      int
	// Delta and Sigma are ordered (x, y, z, rotX, rotY, rotZ).
	Delta [6]float64
	Sigma [6]float64
}

// RunStore persists alignment runs.
type RunStore struct {
	db *DB
}

// NewRunStore creates a RunStore backed by the given database.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// InsertRun writes a completed run record.
func (s *RunStore) InsertRun(run *Run) error {
	_, err := s.db.Exec(`
		INSERT INTO align_runs (
			run_id, started_at, finished_at, config_json, converged, reason,
			chi2, average_chi2_ondf, delta_chi2,
			measurement_dim, alignment_dof, num_tracks, iterations
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.UnixNano(),
		run.FinishedAt.UnixNano(),
		run.ConfigJSON,
		run.Converged,
		run.Reason,
		run.Chi2,
		run.AverageChi2ONdf,
		run.DeltaChi2,
		run.MeasurementDim,
		run.AlignmentDof,
		run.NumTracks,
		run.Iterations,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// InsertIteration writes one iteration record.
func (s *RunStore) InsertIteration(rec *IterationRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO align_iterations (
			run_id, iteration, mask, chi2, measurement_dim,
			num_tracks, skipped_tracks, average_chi2_ondf, delta_chi2
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID,
		rec.Iteration,
		rec.Mask,
		rec.Chi2,
		rec.MeasurementDim,
		rec.NumTracks,
		rec.SkippedTracks,
		rec.AverageChi2ONdf,
		rec.DeltaChi2,
	)
	if err != nil {
		return fmt.Errorf("insert iteration %d: %w", rec.Iteration, err)
	}
	return nil
}

// InsertCorrection writes one element correction.
func (s *RunStore) InsertCorrection(c *Correction) error {
	_, err := s.db.Exec(`
		INSERT INTO align_corrections (
			run_id, element_id, slot,
			dx, dy, dz, drot_x, drot_y, drot_z,
			sx, sy, sz, srot_x, srot_y, srot_z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.ElementID, c.Slot,
		c.Delta[0], c.Delta[1], c.Delta[2], c.Delta[3], c.Delta[4], c.Delta[5],
		c.Sigma[0], c.Sigma[1], c.Sigma[2], c.Sigma[3], c.Sigma[4], c.Sigma[5],
	)
	if err != nil {
		return fmt.Errorf("insert correction for %s: %w", c.ElementID, err)
	}
	return nil
}

// GetRun fetches one run by ID.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, started_at, finished_at, config_json, converged, reason,
			chi2, average_chi2_ondf, delta_chi2,
			measurement_dim, alignment_dof, num_tracks, iterations
		FROM align_runs WHERE run_id = ?`, runID)

	var run Run
	var started, finished int64
	err := row.Scan(&run.ID, &started, &finished, &run.ConfigJSON, &run.Converged, &run.Reason,
		&run.Chi2, &run.AverageChi2ONdf, &run.DeltaChi2,
		&run.MeasurementDim, &run.AlignmentDof, &run.NumTracks, &run.Iterations)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.StartedAt = time.Unix(0, started).UTC()
	run.FinishedAt = time.Unix(0, finished).UTC()
	return &run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, started_at, finished_at, config_json, converged, reason,
			chi2, average_chi2_ondf, delta_chi2,
			measurement_dim, alignment_dof, num_tracks, iterations
		FROM align_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var started, finished int64
		if err := rows.Scan(&run.ID, &started, &finished, &run.ConfigJSON, &run.Converged, &run.Reason,
			&run.Chi2, &run.AverageChi2ONdf, &run.DeltaChi2,
			&run.MeasurementDim, &run.AlignmentDof, &run.NumTracks, &run.Iterations); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = time.Unix(0, started).UTC()
		run.FinishedAt = time.Unix(0, finished).UTC()
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// GetIterations returns a run's iteration history, oldest first.
func (s *RunStore) GetIterations(runID string) ([]*IterationRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, iteration, mask, chi2, measurement_dim,
			num_tracks, skipped_tracks, average_chi2_ondf, delta_chi2
		FROM align_iterations WHERE run_id = ? ORDER BY iteration ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get iterations: %w", err)
	}
	defer rows.Close()

	var recs []*IterationRecord
	for rows.Next() {
		var rec IterationRecord
		if err := rows.Scan(&rec.RunID, &rec.Iteration, &rec.Mask, &rec.Chi2, &rec.MeasurementDim,
			&rec.NumTracks, &rec.SkippedTracks, &rec.AverageChi2ONdf, &rec.DeltaChi2); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// GetCorrections returns a run's element corrections in slot order.
func (s *RunStore) GetCorrections(runID string) ([]*Correction, error) {
	rows, err := s.db.Query(`
		SELECT run_id, element_id, slot,
			dx, dy, dz, drot_x, drot_y, drot_z,
			sx, sy, sz, srot_x, srot_y, srot_z
		FROM align_corrections WHERE run_id = ? ORDER BY slot ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get corrections: %w", err)
	}
	defer rows.Close()

	var corrs []*Correction
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.RunID, &c.ElementID, &c.Slot,
			&c.Delta[0], &c.Delta[1], &c.Delta[2], &c.Delta[3], &c.Delta[4], &c.Delta[5],
			&c.Sigma[0], &c.Sigma[1], &c.Sigma[2], &c.Sigma[3], &c.Sigma[4], &c.Sigma[5]); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		corrs = append(corrs, &c)
	}
	return corrs, rows.Err()
}
