package fusion

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type scalarCall struct {
	H          []float64
	Innovation float64
	StdDev     float64
}

// recordingFilter captures scalar updates without applying them, so tests
// can observe exactly what a model forwards.
type recordingFilter struct {
	st    *State
	calls []scalarCall
}

func (f *recordingFilter) Data() *State { return f.st }

func (f *recordingFilter) ScalarUpdate(h *mat.VecDense, innovation, stdDev float64) {
	f.calls = append(f.calls, scalarCall{
		H:          mat.Col(nil, 0, h),
		Innovation: innovation,
		StdDev:     stdDev,
	})
}

func newRecordingFilter(r22, z, floor, ceiling float64) *recordingFilter {
	st := NewState()
	for i := 0; i < StateDim; i++ {
		st.P.SetSym(i, i, 1)
	}
	st.R[2][2] = r22
	st.S[StateZ] = z
	st.S[StateF] = floor
	st.S[StateR] = ceiling
	return &recordingFilter{st: st}
}

func snapshot(st *State) ([StateDim]float64, *mat.SymDense) {
	p := mat.NewSymDense(StateDim, nil)
	p.CopySym(st.P)
	return st.S, p
}

func TestReliabilityGateSuppressesEveryVariant(t *testing.T) {
	t.Parallel()

	for _, r22 := range []float64{0.1, 0.05, 0, -0.05, -0.5, -1} {
		f := newRecordingFilter(1, 1, 0.2, 2.0)
		m := NewTofModel(DefaultDetectionConfig())
		tof := TofMeasurement{Distance: 5, StdDev: 0.02}

		// Seed the ceiling and record one good update per variant so there
		// are diagnostics to preserve.
		_, _ = m.UpdateWithUpTofUsingCeiling(f, tof)
		_, ok := m.UpdateWithUpTofUsingCeiling(f, tof)
		require.True(t, ok)
		_, ok = m.UpdateWithTofUsingFloor(f, tof)
		require.True(t, ok)
		f.calls = nil

		f.st.R[2][2] = r22
		wantS, wantP := snapshot(f.st)
		wantFloor, wantCeil := m.FloorDiagnostics(), m.CeilingDiagnostics()

		_, ok1 := m.UpdateWithTof(f, tof)
		_, ok2 := m.UpdateWithTofUsingFloor(f, tof)
		_, ok3 := m.UpdateWithUpTofUsingCeiling(f, tof)

		assert.False(t, ok1 || ok2 || ok3, "r22=%v", r22)
		assert.Empty(t, f.calls, "r22=%v must not reach the scalar update", r22)
		assert.Equal(t, wantS, f.st.S, "r22=%v", r22)
		assert.True(t, mat.Equal(wantP, f.st.P), "r22=%v covariance changed", r22)
		assert.Equal(t, wantFloor, m.FloorDiagnostics())
		assert.Equal(t, wantCeil, m.CeilingDiagnostics())
	}
}

func TestUpdateWithTofLevelFlight(t *testing.T) {
	t.Parallel()

	f := newRecordingFilter(1, 0.8, 0, 0)
	m := NewTofModel(DefaultDetectionConfig())

	d, ok := m.UpdateWithTof(f, TofMeasurement{Distance: 1.0, StdDev: 0.01})
	require.True(t, ok)
	assert.Equal(t, 0.8, d.PredictedDistance)
	assert.InDelta(t, 0.2, d.Innovation, 1e-12)

	require.Len(t, f.calls, 1)
	want := make([]float64, StateDim)
	want[StateZ] = 1
	assert.Equal(t, want, f.calls[0].H)
	assert.InDelta(t, 0.2, f.calls[0].Innovation, 1e-12)
	assert.Equal(t, 0.01, f.calls[0].StdDev)
}

func TestUpdateWithTofTiltedUsesCosineRatio(t *testing.T) {
	t.Parallel()

	f := newRecordingFilter(0.5, 1.0, 0, 0)
	m := NewTofModel(DefaultDetectionConfig())

	d, ok := m.UpdateWithTof(f, TofMeasurement{Distance: 2.1, StdDev: 0.01})
	require.True(t, ok)
	assert.InDelta(t, 2.0, d.PredictedDistance, 1e-12)
	require.Len(t, f.calls, 1)
	assert.InDelta(t, 2.0, f.calls[0].H[StateZ], 1e-12)
}

func TestFloorUpdateWithinThreshold(t *testing.T) {
	t.Parallel()

	f := newRecordingFilter(0.9659, 1.0, 0.0, 0)
	m := NewTofModel(DefaultDetectionConfig())
	wantS, wantP := snapshot(f.st)

	d, ok := m.UpdateWithTofUsingFloor(f, TofMeasurement{Distance: 1.05, StdDev: 0.02})
	require.True(t, ok)

	assert.InDelta(t, 1.0353, d.PredictedDistance, 1e-4)
	assert.InDelta(t, 0.0147, d.Innovation, 1e-4)
	assert.InDelta(t, 0.07, d.Threshold, 1e-12)
	assert.False(t, d.Detected)
	assert.Equal(t, d.Innovation, d.ForwardedInnovation)

	assert.Equal(t, wantS, f.st.S, "floor state must only change through the scalar update")
	assert.True(t, mat.Equal(wantP, f.st.P))

	require.Len(t, f.calls, 1)
	assert.InDelta(t, 0.0147, f.calls[0].Innovation, 1e-4)
	assert.InDelta(t, 1/0.9659, f.calls[0].H[StateZ], 1e-12)
	assert.InDelta(t, -1/0.9659, f.calls[0].H[StateF], 1e-12)
	assert.Equal(t, 0.02, f.calls[0].StdDev)
	assert.Equal(t, d, m.FloorDiagnostics())
}

func TestFloorUpdateDetectsObstacle(t *testing.T) {
	t.Parallel()

	f := newRecordingFilter(0.9659, 1.0, 0.0, 0)
	m := NewTofModel(DefaultDetectionConfig())

	d, ok := m.UpdateWithTofUsingFloor(f, TofMeasurement{Distance: 1.3, StdDev: 0.02})
	require.True(t, ok)

	assert.InDelta(t, 1.0353, d.PredictedDistance, 1e-4)
	assert.InDelta(t, 0.2647, d.Innovation, 1e-4)
	assert.InDelta(t, 0.07, d.Threshold, 1e-12)
	assert.True(t, d.Detected)
	assert.Equal(t, 0.0, d.ForwardedInnovation)

	assert.InDelta(t, 1.0-1.3*0.9659, f.st.S[StateF], 1e-12)
	assert.InDelta(t, -0.2557, f.st.S[StateF], 1e-4)
	assert.Equal(t, 50.0, f.st.P.At(StateF, StateF))

	// The Jacobian is still forwarded for covariance bookkeeping.
	require.Len(t, f.calls, 1)
	assert.Equal(t, 0.0, f.calls[0].Innovation)
	assert.InDelta(t, -1/0.9659, f.calls[0].H[StateF], 1e-12)
}

func TestFloorUpdateDetectionDisabled(t *testing.T) {
	t.Parallel()

	f := newRecordingFilter(1, 1.0, 0.0, 0)
	m := NewTofModel(DetectionConfig{Factor: 3.5, VarianceAfterDetection: 50, Enabled: false})

	d, ok := m.UpdateWithTofUsingFloor(f, TofMeasurement{Distance: 3.0, StdDev: 0.02})
	require.True(t, ok)
	assert.False(t, d.Detected)
	assert.Equal(t, 0.0, d.Threshold)
	assert.InDelta(t, 2.0, d.ForwardedInnovation, 1e-12)
	assert.Equal(t, 0.0, f.st.S[StateF])
	require.Len(t, f.calls, 1)
	assert.InDelta(t, 2.0, f.calls[0].Innovation, 1e-12)
}

func TestFloorUpdateThresholdIsStrict(t *testing.T) {
	t.Parallel()

	// innovation == threshold must not count as an obstacle.
	f := newRecordingFilter(1, 1.0, 0.0, 0)
	m := NewTofModel(DetectionConfig{Factor: 2, VarianceAfterDetection: 50, Enabled: true})

	d, _ := m.UpdateWithTofUsingFloor(f, TofMeasurement{Distance: 1.5, StdDev: 0.25})
	assert.False(t, d.Detected)
	assert.Equal(t, 0.5, d.ForwardedInnovation)
}

func TestCeilingFirstSampleSeedsOffset(t *testing.T) {
	t.Parallel()

	f := newRecordingFilter(1, 0.5, 0, 0)
	m := NewTofModel(DefaultDetectionConfig())
	require.Equal(t, CeilingUninitialized, m.CeilingState())

	d, ok := m.UpdateWithUpTofUsingCeiling(f, TofMeasurement{Distance: 2.0, StdDev: 0.02})
	assert.False(t, ok, "seeding sample is not fused")
	assert.Equal(t, Diagnostics{}, d)
	assert.Equal(t, 1.5, f.st.S[StateR])
	assert.Equal(t, CeilingInitialized, m.CeilingState())
	assert.Empty(t, f.calls)

	// Same sample again takes the update path instead of re-seeding.
	d, ok = m.UpdateWithUpTofUsingCeiling(f, TofMeasurement{Distance: 2.0, StdDev: 0.02})
	require.True(t, ok)
	assert.Equal(t, CeilingInitialized, m.CeilingState())
	assert.InDelta(t, 1.0, d.PredictedDistance, 1e-12)
	assert.True(t, d.Detected)
	assert.InDelta(t, 2.0*1+0.5, f.st.S[StateR], 1e-12)
	assert.Equal(t, 50.0, f.st.P.At(StateR, StateR))
	require.Len(t, f.calls, 1)
	assert.Equal(t, 0.0, f.calls[0].Innovation)
}

func TestCeilingSeedIgnoresDegenerateAttitude(t *testing.T) {
	t.Parallel()

	// A degenerate first sample still seeds the offset.
	f := newRecordingFilter(-1, 1.0, 0, 0)
	m := NewTofModel(DefaultDetectionConfig())

	_, ok := m.UpdateWithUpTofUsingCeiling(f, TofMeasurement{Distance: 0.3, StdDev: 0.02})
	assert.False(t, ok)
	assert.InDelta(t, -0.7, f.st.S[StateR], 1e-12)
	assert.Equal(t, CeilingInitialized, m.CeilingState())

	// Later degenerate samples are gated as usual.
	_, ok = m.UpdateWithUpTofUsingCeiling(f, TofMeasurement{Distance: 0.9, StdDev: 0.02})
	assert.False(t, ok)
	assert.InDelta(t, -0.7, f.st.S[StateR], 1e-12)
	assert.Empty(t, f.calls)
}

func TestCeilingUpdateWithinThreshold(t *testing.T) {
	t.Parallel()

	f := newRecordingFilter(0.9659, 1.0, 0, 2.0)
	m := NewTofModel(DefaultDetectionConfig())
	_, _ = m.UpdateWithUpTofUsingCeiling(f, TofMeasurement{Distance: 1.0, StdDev: 0.02})
	f.st.S[StateR] = 2.0

	d, ok := m.UpdateWithUpTofUsingCeiling(f, TofMeasurement{Distance: 1.05, StdDev: 0.02})
	require.True(t, ok)
	assert.InDelta(t, 1.0353, d.PredictedDistance, 1e-4)
	assert.False(t, d.Detected)
	assert.Equal(t, 2.0, f.st.S[StateR])

	require.Len(t, f.calls, 1)
	assert.InDelta(t, -1/0.9659, f.calls[0].H[StateZ], 1e-12)
	assert.InDelta(t, 1/0.9659, f.calls[0].H[StateR], 1e-12)
	assert.Equal(t, d, m.CeilingDiagnostics())
}

func TestFloorAndCeilingJacobiansMirror(t *testing.T) {
	t.Parallel()

	const r22 = 0.9
	tof := TofMeasurement{Distance: 1.1, StdDev: 0.05}

	ff := newRecordingFilter(r22, 1.0, -0.3, 0)
	fm := NewTofModel(DefaultDetectionConfig())
	_, ok := fm.UpdateWithTofUsingFloor(ff, tof)
	require.True(t, ok)

	cf := newRecordingFilter(r22, 1.0, 0, 0)
	cm := NewTofModel(DefaultDetectionConfig())
	_, _ = cm.UpdateWithUpTofUsingCeiling(cf, tof)
	cf.st.S[StateR] = 0.3
	_, ok = cm.UpdateWithUpTofUsingCeiling(cf, tof)
	require.True(t, ok)

	require.Len(t, ff.calls, 1)
	require.Len(t, cf.calls, 1)
	hf, hc := ff.calls[0].H, cf.calls[0].H
	assert.Equal(t, hf[StateZ], -hc[StateZ])
	assert.Equal(t, hf[StateF], -hc[StateR])
	assert.Equal(t, 0.0, hf[StateR])
	assert.Equal(t, 0.0, hc[StateF])
}

func TestUpdatesAreIdempotentWithoutFilterMutation(t *testing.T) {
	t.Parallel()

	tof := TofMeasurement{Distance: 1.02, StdDev: 0.02}
	f := newRecordingFilter(0.95, 1.0, 0.05, 0)
	m := NewTofModel(DefaultDetectionConfig())

	first, _ := m.UpdateWithTofUsingFloor(f, tof)
	second, _ := m.UpdateWithTofUsingFloor(f, tof)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("floor diagnostics differ (-first +second):\n%s", diff)
	}

	b1, _ := m.UpdateWithTof(f, tof)
	b2, _ := m.UpdateWithTof(f, tof)
	if diff := cmp.Diff(b1, b2); diff != "" {
		t.Errorf("basic diagnostics differ (-first +second):\n%s", diff)
	}

	_, _ = m.UpdateWithUpTofUsingCeiling(f, tof)
	f.st.S[StateR] = 2.0
	c1, _ := m.UpdateWithUpTofUsingCeiling(f, TofMeasurement{Distance: 1.0, StdDev: 0.02})
	c2, _ := m.UpdateWithUpTofUsingCeiling(f, TofMeasurement{Distance: 1.0, StdDev: 0.02})
	if diff := cmp.Diff(c1, c2); diff != "" {
		t.Errorf("ceiling diagnostics differ (-first +second):\n%s", diff)
	}
}

func TestBeamAngle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, beamAngle(1))
	assert.Equal(t, 0.0, beamAngle(math.Cos(5*degToRad)))
	assert.InDelta(t, 22.5*degToRad, beamAngle(math.Cos(30*degToRad)), 1e-12)

	f := newRecordingFilter(math.Cos(30*degToRad), 1, 0, 0)
	m := NewTofModel(DefaultDetectionConfig())
	d, _ := m.UpdateWithTofUsingFloor(f, TofMeasurement{Distance: 1.2, StdDev: 0.05})
	assert.InDelta(t, 22.5*degToRad, d.BeamAngle, 1e-12)
	// The corrected angle never enters the prediction.
	assert.InDelta(t, 1/math.Cos(30*degToRad), d.PredictedDistance, 1e-12)
}

func TestTofModelReset(t *testing.T) {
	t.Parallel()

	f := newRecordingFilter(1, 0, 0, 0)
	m := NewTofModel(DefaultDetectionConfig())
	_, _ = m.UpdateWithUpTofUsingCeiling(f, TofMeasurement{Distance: 2, StdDev: 0.02})
	_, _ = m.UpdateWithTofUsingFloor(f, TofMeasurement{Distance: 1, StdDev: 0.02})
	require.Equal(t, CeilingInitialized, m.CeilingState())

	m.Reset()
	assert.Equal(t, CeilingUninitialized, m.CeilingState())
	assert.Equal(t, Diagnostics{}, m.FloorDiagnostics())
	assert.Equal(t, "uninitialized", m.CeilingState().String())
}

func TestFloorDetectionOnCore(t *testing.T) {
	t.Parallel()

	k := NewCore(DefaultCoreConfig())
	k.Data().S[StateZ] = 1.0
	k.Data().R[2][2] = 0.9659
	m := NewTofModel(DefaultDetectionConfig())

	d, ok := m.UpdateWithTofUsingFloor(k, TofMeasurement{Distance: 1.3, StdDev: 0.02})
	require.True(t, ok)
	require.True(t, d.Detected)

	// A zero innovation leaves the state where the detector put it.
	assert.InDelta(t, 1.0-1.3*0.9659, k.Data().S[StateF], 1e-9)
	assert.InDelta(t, 1.0, k.Data().S[StateZ], 1e-9)
	assert.Less(t, k.Data().P.At(StateF, StateF), 50.0)
}
