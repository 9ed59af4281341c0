package sqlite

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(":memory:")
	require.NoError(t, err)
	// The in-memory database lives per connection; keep the pool at one so
	// every query sees the migrated schema.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.MigrateUp("../../../migrations"))
	return db
}

func sampleRun(id string, started time.Time) *Run {
	return &Run{
		ID:              id,
		StartedAt:       started,
		FinishedAt:      started.Add(3 * time.Second),
		ConfigJSON:      `{"max_iterations":5}`,
		Converged:       true,
		Reason:          "average chi2/ndf 0.01 at or below cutoff 0.05",
		Chi2:            12.5,
		AverageChi2ONdf: 0.01,
		DeltaChi2:       -0.4,
		MeasurementDim:  1800,
		AlignmentDof:    6,
		NumTracks:       150,
		Iterations:      2,
	}
}

func TestRunStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewRunStore(testDB(t))
	started := time.Date(2026, 8, 27, 12, 0, 0, 123456789, time.UTC)
	want := sampleRun("run-1", started)
	require.NoError(t, store.InsertRun(want))

	got, err := store.GetRun("run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}

	_, err = store.GetRun("no-such-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunStoreIterations(t *testing.T) {
	t.Parallel()

	store := NewRunStore(testDB(t))
	require.NoError(t, store.InsertRun(sampleRun("run-1", time.Now().UTC())))

	want := []*IterationRecord{
		{RunID: "run-1", Iteration: 0, Mask: "111111", Chi2: 900, MeasurementDim: 1800, NumTracks: 150, SkippedTracks: 2, AverageChi2ONdf: 0.5, DeltaChi2: -120},
		{RunID: "run-1", Iteration: 1, Mask: "000111", Chi2: 20, MeasurementDim: 1800, NumTracks: 150, AverageChi2ONdf: 0.011, DeltaChi2: -0.5},
	}
	// Insert out of order; reads come back sorted by iteration.
	require.NoError(t, store.InsertIteration(want[1]))
	require.NoError(t, store.InsertIteration(want[0]))

	got, err := store.GetIterations("run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("iterations mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStoreCorrections(t *testing.T) {
	t.Parallel()

	store := NewRunStore(testDB(t))
	require.NoError(t, store.InsertRun(sampleRun("run-1", time.Now().UTC())))

	want := []*Correction{
		{RunID: "run-1", ElementID: "layer-1", Slot: 0,
			Delta: [6]float64{0.1, -0.02, 0, 0, 0, 0.001},
			Sigma: [6]float64{0.004, 0.004, 0.02, 0.001, 0.001, 0.0005}},
		{RunID: "run-1", ElementID: "layer-4", Slot: 1,
			Delta: [6]float64{-0.05, 0, 0, 0, 0, 0},
			Sigma: [6]float64{0.004, 0.004, 0.02, 0.001, 0.001, 0.0005}},
	}
	require.NoError(t, store.InsertCorrection(want[1]))
	require.NoError(t, store.InsertCorrection(want[0]))

	got, err := store.GetCorrections("run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("corrections mismatch (-want +got):\n%s", diff)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewRunStore(testDB(t))
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertRun(sampleRun("old", base)))
	require.NoError(t, store.InsertRun(sampleRun("new", base.Add(time.Hour))))

	runs, err := store.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "old", runs[1].ID)

	runs, err = store.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].ID)
}

func TestMigrateVersion(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	version, dirty, err := db.MigrateVersion("../../../migrations")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}
