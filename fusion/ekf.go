package fusion

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// State is the filter data that measurement models read and selectively
// overwrite. It is owned by the core for the duration of a flight.
type State struct {
	S [StateDim]float64
	P *mat.SymDense
	// R is the body-to-world rotation. R[2][2] is the cosine of the tilt
	// between the body z axis and world vertical.
	R [3][3]float64
}

// NewState returns a zeroed state with an identity attitude.
func NewState() *State {
	st := &State{P: mat.NewSymDense(StateDim, nil)}
	st.R = identity3()
	return st
}

// Filter is the EKF surface consumed by the ToF measurement models.
// ScalarUpdate performs the gain computation, state correction and
// covariance update for one scalar measurement in place.
type Filter interface {
	Data() *State
	ScalarUpdate(h *mat.VecDense, innovation, stdDev float64)
}

type CoreConfig struct {
	InitialStdZ      float64
	InitialStdVZ     float64
	InitialStdOffset float64
	ProcNoiseZ       float64
	ProcNoiseVZ      float64
	ProcNoiseOffset  float64
	MaxPredictDt     float64
}

func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		InitialStdZ:      InitialStdZ,
		InitialStdVZ:     InitialStdVZ,
		InitialStdOffset: InitialStdOffset,
		ProcNoiseZ:       ProcNoiseZ,
		ProcNoiseVZ:      ProcNoiseVZ,
		ProcNoiseOffset:  ProcNoiseOffset,
		MaxPredictDt:     MaxPredictDt,
	}
}

// Core is a vertical-channel EKF: position, velocity and the two surface
// offsets are propagated, the horizontal and attitude-error entries are
// carried so the state layout matches the measurement models.
type Core struct {
	cfg    CoreConfig
	st     *State
	resets int
}

func NewCore(cfg CoreConfig) *Core {
	if cfg.MaxPredictDt <= 0 {
		cfg.MaxPredictDt = MaxPredictDt
	}
	k := &Core{cfg: cfg, st: NewState()}
	k.Reset()
	return k
}

func (k *Core) Data() *State { return k.st }

// Resets reports how many times a non-finite update forced a reset.
func (k *Core) Resets() int { return k.resets }

func (k *Core) Reset() {
	st := k.st
	st.S = [StateDim]float64{}
	st.R = identity3()
	st.P = mat.NewSymDense(StateDim, nil)
	posVar := Pow2(k.cfg.InitialStdZ)
	velVar := Pow2(k.cfg.InitialStdVZ)
	offVar := Pow2(k.cfg.InitialStdOffset)
	for _, i := range []int{StateX, StateY, StateZ} {
		st.P.SetSym(i, i, posVar)
	}
	for _, i := range []int{StatePX, StatePY, StatePZ} {
		st.P.SetSym(i, i, velVar)
	}
	for _, i := range []int{StateD0, StateD1, StateD2} {
		st.P.SetSym(i, i, Pow2(0.01))
	}
	st.P.SetSym(StateF, StateF, offVar)
	st.P.SetSym(StateR, StateR, offVar)
}

// SetAttitude replaces the rotation matrix used by the measurement models.
func (k *Core) SetAttitude(r [3][3]float64) {
	k.st.R = r
}

// ScalarUpdate applies one scalar measurement with Jacobian h. The
// covariance is updated in Joseph form and then symmetrised and bounded.
func (k *Core) ScalarUpdate(h *mat.VecDense, innovation, stdDev float64) {
	st := k.st
	r := stdDev * stdDev

	var ph mat.VecDense
	ph.MulVec(st.P, h)
	hphr := r + mat.Dot(h, &ph)

	var gain mat.VecDense
	gain.ScaleVec(1/hphr, &ph)

	s := mat.NewVecDense(StateDim, st.S[:])
	s.AddScaledVec(s, innovation, &gain)

	// (I - KH) P (I - KH)^T + K r K^T
	var a mat.Dense
	a.Outer(-1, &gain, h)
	for i := 0; i < StateDim; i++ {
		a.Set(i, i, a.At(i, i)+1)
	}
	var tmp, next, kr mat.Dense
	tmp.Mul(&a, st.P)
	next.Mul(&tmp, a.T())
	kr.Outer(r, &gain, &gain)
	next.Add(&next, &kr)

	k.commit(&next)
}

// Predict propagates the state dt seconds with vertical acceleration accZ.
// Surface offsets are modelled as random walks.
func (k *Core) Predict(dt, accZ float64) {
	if dt <= 0 {
		return
	}
	dt = math.Min(dt, k.cfg.MaxPredictDt)
	st := k.st

	phi := mat.NewDense(StateDim, StateDim, nil)
	for i := 0; i < StateDim; i++ {
		phi.Set(i, i, 1)
	}
	phi.Set(StateX, StatePX, dt)
	phi.Set(StateY, StatePY, dt)
	phi.Set(StateZ, StatePZ, dt)

	var tmp, next mat.Dense
	tmp.Mul(phi, st.P)
	next.Mul(&tmp, phi.T())

	qz := Pow2(k.cfg.ProcNoiseVZ*dt*dt + k.cfg.ProcNoiseZ*dt)
	qvz := Pow2(k.cfg.ProcNoiseVZ * dt)
	qoff := Pow2(k.cfg.ProcNoiseOffset * dt)
	next.Set(StateZ, StateZ, next.At(StateZ, StateZ)+qz)
	next.Set(StatePZ, StatePZ, next.At(StatePZ, StatePZ)+qvz)
	next.Set(StateF, StateF, next.At(StateF, StateF)+qoff)
	next.Set(StateR, StateR, next.At(StateR, StateR)+qoff)

	st.S[StateX] += st.S[StatePX] * dt
	st.S[StateY] += st.S[StatePY] * dt
	st.S[StateZ] += st.S[StatePZ]*dt + 0.5*accZ*dt*dt
	st.S[StatePZ] += accZ * dt

	k.commit(&next)
}

// enforceBounds symmetrises m into P and clamps it. It reports false,
// leaving P untouched, when m holds a non-finite entry.
func (k *Core) enforceBounds(m mat.Matrix) bool {
	for i := 0; i < StateDim; i++ {
		for j := i; j < StateDim; j++ {
			if v := m.At(i, j) + m.At(j, i); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	p := k.st.P
	for i := 0; i < StateDim; i++ {
		for j := i; j < StateDim; j++ {
			v := 0.5 * (m.At(i, j) + m.At(j, i))
			switch {
			case v > MaxCovariance:
				v = MaxCovariance
			case i == j && v < MinCovariance:
				v = MinCovariance
			}
			p.SetSym(i, j, v)
		}
	}
	return true
}

// commit installs the propagated covariance, resetting the core when the
// state or the covariance stopped being finite.
func (k *Core) commit(next mat.Matrix) {
	if !k.enforceBounds(next) {
		k.resetKeepingAttitude()
		return
	}
	for _, v := range k.st.S {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			k.resetKeepingAttitude()
			return
		}
	}
}

func (k *Core) resetKeepingAttitude() {
	r := k.st.R
	k.Reset()
	k.st.R = r
	k.resets++
}

func identity3() [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}
