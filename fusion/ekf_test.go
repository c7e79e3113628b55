package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewCoreInitialCovariance(t *testing.T) {
	k := NewCore(DefaultCoreConfig())
	st := k.Data()

	assert.Equal(t, Pow2(InitialStdZ), st.P.At(StateZ, StateZ))
	assert.Equal(t, Pow2(InitialStdVZ), st.P.At(StatePZ, StatePZ))
	assert.Equal(t, Pow2(InitialStdOffset), st.P.At(StateF, StateF))
	assert.Equal(t, Pow2(InitialStdOffset), st.P.At(StateR, StateR))
	assert.Equal(t, 0.0, st.P.At(StateZ, StateF))
	assert.Equal(t, identity3(), st.R)
}

func TestScalarUpdateOneDimensional(t *testing.T) {
	k := NewCore(DefaultCoreConfig())
	st := k.Data()

	h := mat.NewVecDense(StateDim, nil)
	h.SetVec(StateZ, 1)
	// P_zz = 1, r = 1: gain 0.5, posterior variance 0.5.
	k.ScalarUpdate(h, 0.4, 1.0)

	assert.InDelta(t, 0.2, st.S[StateZ], 1e-12)
	assert.InDelta(t, 0.5, st.P.At(StateZ, StateZ), 1e-12)
	assert.InDelta(t, Pow2(InitialStdOffset), st.P.At(StateF, StateF), 1e-12)
	assert.Equal(t, 0.0, st.S[StateF])
}

func TestScalarUpdateCouplesFloorAndAltitude(t *testing.T) {
	k := NewCore(DefaultCoreConfig())
	st := k.Data()

	h := mat.NewVecDense(StateDim, nil)
	h.SetVec(StateZ, 1)
	h.SetVec(StateF, -1)
	k.ScalarUpdate(h, 0.3, 0.1)

	// Equal priors split the correction evenly with opposite signs.
	assert.InDelta(t, st.S[StateZ], -st.S[StateF], 1e-12)
	assert.Greater(t, st.S[StateZ], 0.0)
	assert.Greater(t, st.P.At(StateZ, StateF), 0.0)
	assert.Equal(t, st.P.At(StateZ, StateF), st.P.At(StateF, StateZ))
}

func TestScalarUpdateZeroInnovationOnlyShrinksCovariance(t *testing.T) {
	k := NewCore(DefaultCoreConfig())
	st := k.Data()
	st.S[StateZ] = 1.2
	before := st.P.At(StateZ, StateZ)

	h := mat.NewVecDense(StateDim, nil)
	h.SetVec(StateZ, 1)
	k.ScalarUpdate(h, 0, 0.05)

	assert.Equal(t, 1.2, st.S[StateZ])
	assert.Less(t, st.P.At(StateZ, StateZ), before)
}

func TestCovarianceBounds(t *testing.T) {
	k := NewCore(DefaultCoreConfig())
	st := k.Data()
	st.P.SetSym(StateF, StateF, 500)
	st.P.SetSym(StateZ, StateZ, 1e-12)

	for i := 0; i < 5; i++ {
		k.Predict(0.01, 0)
	}
	assert.Equal(t, MaxCovariance, st.P.At(StateF, StateF))
	assert.GreaterOrEqual(t, st.P.At(StateZ, StateZ), MinCovariance)
}

func TestPredictIntegratesVelocity(t *testing.T) {
	k := NewCore(DefaultCoreConfig())
	st := k.Data()
	st.S[StatePZ] = 1.0

	k.Predict(0.05, 0)
	assert.InDelta(t, 0.05, st.S[StateZ], 1e-12)

	// Large gaps are clamped to the maximum predict step.
	k.Predict(2.0, 0)
	assert.InDelta(t, 0.05+MaxPredictDt, st.S[StateZ], 1e-12)

	k.Predict(0.1, 2.0)
	assert.InDelta(t, 1.2, st.S[StatePZ], 1e-12)

	varZ := st.P.At(StateZ, StateZ)
	k.Predict(0, 0)
	assert.Equal(t, varZ, st.P.At(StateZ, StateZ), "non-positive dt is a no-op")
}

func TestNonFiniteUpdateResetsCore(t *testing.T) {
	k := NewCore(DefaultCoreConfig())
	st := k.Data()
	st.R = RotationFromEuler(0.1, 0, 0)
	st.S[StateZ] = 3

	h := mat.NewVecDense(StateDim, nil)
	h.SetVec(StateZ, 1)
	k.ScalarUpdate(h, math.NaN(), 0.1)

	require.Equal(t, 1, k.Resets())
	assert.Equal(t, 0.0, st.S[StateZ])
	assert.Equal(t, RotationFromEuler(0.1, 0, 0), st.R, "attitude survives a reset")
}

func TestNonFiniteCovarianceResetsCore(t *testing.T) {
	k := NewCore(DefaultCoreConfig())
	st := k.Data()
	st.S[StateZ] = 1.5
	st.P.SetSym(StateZ, StateF, 0.3)

	h := mat.NewVecDense(StateDim, nil)
	h.SetVec(StateZ, 1)
	// An infinite deviation turns K r K' into NaN.
	k.ScalarUpdate(h, 0.1, math.Inf(1))

	require.Equal(t, 1, k.Resets())
	st = k.Data()
	assert.Equal(t, 0.0, st.S[StateZ])
	assert.Equal(t, Pow2(InitialStdZ), st.P.At(StateZ, StateZ))
	assert.Equal(t, 0.0, st.P.At(StateZ, StateF))
	assert.Equal(t, 0.0, st.P.At(StateX, StateR))
}

func TestRotationFromEuler(t *testing.T) {
	assert.Equal(t, identity3(), RotationFromEuler(0, 0, 0))

	roll, pitch, yaw := 0.2, -0.15, 1.1
	r := RotationFromEuler(roll, pitch, yaw)
	assert.InDelta(t, TiltCosine(roll, pitch), r[2][2], 1e-12)

	m := mat.NewDense(3, 3, []float64{
		r[0][0], r[0][1], r[0][2],
		r[1][0], r[1][1], r[1][2],
		r[2][0], r[2][1], r[2][2],
	})
	var rrt mat.Dense
	rrt.Mul(m, m.T())
	assert.True(t, mat.EqualApprox(&rrt, eye(3), 1e-12), "rotation must be orthonormal")
}

func eye(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}
