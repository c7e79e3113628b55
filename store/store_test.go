package store

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tofengine-go/fusion"
	"tofengine-go/monitoring"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	prev := monitoring.Logger()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	path := filepath.Join(t.TempDir(), "flights.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenAppliesMigrations(t *testing.T) {
	s, path := openTemp(t)
	v, dirty, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(3), v)
	assert.False(t, dirty)

	// Reopening an up-to-date database is a no-op.
	require.NoError(t, s.Close())
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	v, _, err = s2.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(3), v)
}

func TestRunsAndSamples(t *testing.T) {
	s, _ := openTemp(t)

	run, err := s.StartRun("hover over box")
	require.NoError(t, err)
	_, err = uuid.Parse(run.ID)
	require.NoError(t, err)

	samples := []fusion.Result{
		{
			TimestampMs: 20, Sensor: "down", Variant: fusion.VariantFloor, Flag: fusion.FlagDetected, Applied: true,
			Z: 1.1, Floor: 0.3, VarZ: 0.01, VarF: 50, VarR: 1,
			Diag: fusion.Diagnostics{MeasuredDistance: 0.8, PredictedDistance: 1.1, Innovation: -0.3, Threshold: 0.0875, Detected: true},
		},
		{
			TimestampMs: 30, Sensor: "down", Variant: fusion.VariantFloor, Flag: fusion.FlagUpdated, Applied: true,
			Z: 1.1, Floor: 0.3, VarZ: 0.01, VarF: 0.5, VarR: 1,
			Diag: fusion.Diagnostics{
				MeasuredDistance: 0.81, PredictedDistance: 0.8, Innovation: 0.01, ForwardedInnovation: 0.01,
				InnovationVariance: 0.0125, Threshold: 0.0875, BeamAngle: 0.02,
			},
		},
		{
			TimestampMs: 10, Sensor: "up", Variant: fusion.VariantCeiling, Flag: fusion.FlagGated,
			Z: 1.1, Ceiling: 1.4, VarZ: 0.01, VarF: 1, VarR: 1,
		},
	}
	for _, r := range samples {
		require.NoError(t, s.RecordSample(run.ID, r))
	}

	got, err := s.Samples(run.ID)
	require.NoError(t, err)
	want := []fusion.Result{samples[1], samples[0], samples[2]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, "hover over box", runs[0].Notes)
	assert.True(t, run.StartedAt.Equal(runs[0].StartedAt))
}

func TestSamplesUnknownRun(t *testing.T) {
	s, _ := openTemp(t)
	_, err := s.Samples("missing")
	assert.ErrorIs(t, err, ErrUnknownRun)

	err = s.RecordSample("missing", fusion.Result{Sensor: "down", Variant: fusion.VariantBasic})
	assert.ErrorIs(t, err, ErrUnknownRun)
}
