// Command align runs telescope alignment end to end: it builds a simulated
// sensor stack with a known misalignment, fires straight-line tracks
// through it, runs the iterative alignment engine, and optionally persists
// the run and renders convergence plots and an HTML report.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/trackalign/internal/align"
	"github.com/banshee-data/trackalign/internal/config"
	"github.com/banshee-data/trackalign/internal/geom"
	"github.com/banshee-data/trackalign/internal/monitor"
	"github.com/banshee-data/trackalign/internal/sim"
	"github.com/banshee-data/trackalign/internal/storage/sqlite"
	"github.com/banshee-data/trackalign/internal/track"
	"github.com/banshee-data/trackalign/internal/version"
)

func main() {
	var (
		numTracks  = flag.Int("tracks", 200, "number of simulated tracks")
		layers     = flag.Int("layers", 6, "number of telescope layers")
		spacing    = flag.Float64("spacing", 10.0, "layer spacing (mm)")
		layer      = flag.Int("misaligned-layer", 2, "index of the misaligned layer")
		offsetX    = flag.Float64("offset-x", 0.1, "true x offset of the misaligned layer (mm)")
		offsetY    = flag.Float64("offset-y", 0.0, "true y offset of the misaligned layer (mm)")
		offsetZ    = flag.Float64("offset-z", 0.0, "true z offset of the misaligned layer (mm)")
		resolution = flag.Float64("resolution", 0.05, "assumed measurement resolution (mm)")
		smearing   = flag.Float64("smearing", 0.005, "true measurement smearing (mm)")
		alignAll   = flag.Bool("align-all", false, "align all layers instead of only the misaligned one")
		seed       = flag.Int64("seed", 42, "random seed")
		configPath = flag.String("config", "", "alignment config JSON (defaults apply when empty)")
		dbPath     = flag.String("db", "", "sqlite database for run history (skipped when empty)")
		migrations = flag.String("migrations", "migrations", "migrations directory")
		outDir     = flag.String("out", "", "output directory for plots and report (skipped when empty)")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("align %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := config.EmptyAlignConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadAlignConfig(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	if *layer < 0 || *layer >= *layers {
		log.Fatalf("misaligned-layer %d out of range [0,%d)", *layer, *layers)
	}

	tel := sim.NewTelescope(*layers, *spacing)
	tel.MisalignTruth(*layer, [6]float64{*offsetX, *offsetY, *offsetZ})
	log.Printf("[align] telescope: %d layers, layer %d offset by (%.4g, %.4g, %.4g)",
		*layers, *layer, *offsetX, *offsetY, *offsetZ)

	gun := &sim.TrackGun{
		Rng:         rand.New(rand.NewSource(*seed)),
		SpreadXY:    2.0,
		SpreadSlope: 0.05,
		Resolution:  *resolution,
		Smearing:    *smearing,
	}
	tracks := make([]align.InputTrack, 0, *numTracks)
	for i := 0; i < *numTracks; i++ {
		links, trackSeed := gun.Generate(tel)
		tracks = append(tracks, align.InputTrack{SourceLinks: links, Seed: trackSeed})
	}

	opts, err := align.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatalf("build options: %v", err)
	}
	opts.GeoContext = tel.Assumed
	if *alignAll {
		opts.Elements = tel.Surfaces
	} else {
		opts.Elements = tel.Surfaces[*layer : *layer+1]
	}

	aligner := align.New(&track.LineFitter{})
	startedAt := time.Now().UTC()
	result, runErr := aligner.Align(tracks, opts)
	finishedAt := time.Now().UTC()
	if runErr != nil && !errors.Is(runErr, align.ErrNotConverged) {
		log.Fatalf("alignment run failed: %v", runErr)
	}

	logResult(result, opts)

	runID := uuid.NewString()
	corrections := buildCorrections(runID, result, opts.Elements)

	if *dbPath != "" {
		if err := persistRun(*dbPath, *migrations, runID, cfg, result, corrections, startedAt, finishedAt); err != nil {
			log.Fatalf("persist run: %v", err)
		}
		log.Printf("[align] run %s stored in %s", runID, *dbPath)
	}

	if *outDir != "" {
		if _, err := monitor.WriteConvergencePlots(result.Iterations, *outDir); err != nil {
			log.Fatalf("write plots: %v", err)
		}
		reportPath := filepath.Join(*outDir, "report.html")
		f, err := os.Create(reportPath)
		if err != nil {
			log.Fatalf("create report: %v", err)
		}
		defer f.Close()
		if err := monitor.WriteReport(f, runID, result.Iterations, corrections); err != nil {
			log.Fatalf("write report: %v", err)
		}
		log.Printf("[align] plots and report written to %s", *outDir)
	}

	if runErr != nil {
		os.Exit(1)
	}
}

func logResult(result *align.Result, opts align.Options) {
	log.Printf("[align] converged=%v (%s) after %d iterations", result.Converged, result.Reason, len(result.Iterations))
	log.Printf("[align] chi2=%.6g measurementDim=%d avg chi2/ndf=%.6g tracks=%d",
		result.Chi2, result.MeasurementDim, result.AverageChi2ONdf, result.NumTracks)
	for slot, surf := range opts.Elements {
		base := slot * align.ParamsDim
		log.Printf("[align] element %s: delta=(%.5g, %.5g, %.5g | %.5g, %.5g, %.5g)",
			surf.ID,
			result.DeltaAlignmentParameters.AtVec(base+0),
			result.DeltaAlignmentParameters.AtVec(base+1),
			result.DeltaAlignmentParameters.AtVec(base+2),
			result.DeltaAlignmentParameters.AtVec(base+3),
			result.DeltaAlignmentParameters.AtVec(base+4),
			result.DeltaAlignmentParameters.AtVec(base+5))
	}
}

func buildCorrections(runID string, result *align.Result, elements []*geom.Surface) []*sqlite.Correction {
	out := make([]*sqlite.Correction, 0, len(elements))
	for slot, surf := range elements {
		c := &sqlite.Correction{RunID: runID, ElementID: surf.ID, Slot: slot}
		base := slot * align.ParamsDim
		for k := 0; k < align.ParamsDim; k++ {
			c.Delta[k] = result.DeltaAlignmentParameters.AtVec(base + k)
			v := result.AlignmentCovariance.At(base+k, base+k)
			if v > 0 {
				c.Sigma[k] = math.Sqrt(v)
			}
		}
		out = append(out, c)
	}
	return out
}

func persistRun(dbPath, migrationsDir, runID string, cfg *config.AlignConfig, result *align.Result,
	corrections []*sqlite.Correction, startedAt, finishedAt time.Time) error {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.MigrateUp(migrationsDir); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	store := sqlite.NewRunStore(db)
	run := &sqlite.Run{
		ID:              runID,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
		ConfigJSON:      string(cfgJSON),
		Converged:       result.Converged,
		Reason:          result.Reason,
		Chi2:            result.Chi2,
		AverageChi2ONdf: result.AverageChi2ONdf,
		DeltaChi2:       result.DeltaChi2,
		MeasurementDim:  result.MeasurementDim,
		AlignmentDof:    result.AlignmentDof,
		NumTracks:       result.NumTracks,
		Iterations:      len(result.Iterations),
	}
	if err := store.InsertRun(run); err != nil {
		return err
	}
	for _, it := range result.Iterations {
		rec := &sqlite.IterationRecord{
			RunID:           runID,
			Iteration:       it.Iteration,
			Mask:            it.Mask.String(),
			Chi2:            it.Chi2,
			MeasurementDim:  it.MeasurementDim,
			NumTracks:       it.NumTracks,
			SkippedTracks:   it.SkippedTracks,
			AverageChi2ONdf: it.AverageChi2ONdf,
			DeltaChi2:       it.DeltaChi2,
		}
		if err := store.InsertIteration(rec); err != nil {
			return err
		}
	}
	for _, c := range corrections {
		if err := store.InsertCorrection(c); err != nil {
			return err
		}
	}
	return nil
}
