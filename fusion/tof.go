package fusion

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// TofMeasurement is one slant-range reading along the body z axis.
type TofMeasurement struct {
	TimestampMs int64
	Distance    float64 // [m]
	StdDev      float64 // [m]
}

var ErrInvalidSample = errors.New("invalid tof sample")

// Validate checks the sample contract: a finite, non-negative distance and
// a finite, positive deviation.
func (t TofMeasurement) Validate() error {
	if math.IsNaN(t.Distance) || math.IsInf(t.Distance, 0) || t.Distance < 0 {
		return fmt.Errorf("%w: distance %v", ErrInvalidSample, t.Distance)
	}
	if math.IsInf(t.StdDev, 0) || !(t.StdDev > 0) {
		return fmt.Errorf("%w: std dev %v", ErrInvalidSample, t.StdDev)
	}
	return nil
}

// DetectionConfig tunes the obstacle detector shared by the floor and
// ceiling models. A sample whose innovation exceeds Factor*StdDev is taken
// as a step in the surface offset rather than as noise.
type DetectionConfig struct {
	Factor                 float64
	VarianceAfterDetection float64
	Enabled                bool
}

func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		Factor:                 DefaultDetectionFactor,
		VarianceAfterDetection: DefaultVarianceAfterDetection,
		Enabled:                DefaultUseDetection,
	}
}

// CeilingState tracks whether the ceiling offset holds a valid estimate.
type CeilingState int

const (
	CeilingUninitialized CeilingState = iota
	CeilingInitialized
)

func (s CeilingState) String() string {
	if s == CeilingInitialized {
		return "initialized"
	}
	return "uninitialized"
}

// Diagnostics describes one ToF update. Innovation is the raw
// measured-minus-predicted value; ForwardedInnovation is what reached the
// scalar update, zero when the detector overrode the offset state.
type Diagnostics struct {
	MeasuredDistance    float64 `json:"measured"`
	PredictedDistance   float64 `json:"predicted"`
	Innovation          float64 `json:"innovation"`
	ForwardedInnovation float64 `json:"forwarded"`
	// InnovationVariance is h P h' + r at the moment of the update.
	InnovationVariance float64 `json:"innovation_var"`
	Threshold          float64 `json:"threshold"`
	BeamAngle          float64 `json:"beam_angle"`
	Detected           bool    `json:"detected"`
}

// TofModel fuses ToF samples into a Filter. One model belongs to one filter
// instance; it is not safe for concurrent use.
type TofModel struct {
	Detection DetectionConfig

	ceiling CeilingState
	floorD  Diagnostics
	ceilD   Diagnostics
}

func NewTofModel(det DetectionConfig) *TofModel {
	return &TofModel{Detection: det}
}

// Reset returns the model to the state of a fresh filter instance.
func (m *TofModel) Reset() {
	m.ceiling = CeilingUninitialized
	m.floorD = Diagnostics{}
	m.ceilD = Diagnostics{}
}

func (m *TofModel) CeilingState() CeilingState { return m.ceiling }

// FloorDiagnostics returns the result of the last applied floor update.
func (m *TofModel) FloorDiagnostics() Diagnostics { return m.floorD }

// CeilingDiagnostics returns the result of the last applied ceiling update.
func (m *TofModel) CeilingDiagnostics() Diagnostics { return m.ceilD }

// Only update the filter if the measurement is reliable: the predicted
// distance goes to infinity as R[2][2] goes to zero.
func reliable(r22 float64) bool {
	return math.Abs(r22) > MinVerticalCosine && r22 > 0
}

// beamAngle is the tilt reduced by half the beam width, floored at zero.
// It is reported for inspection only; the measurement equations use the
// direct cosine form.
func beamAngle(r22 float64) float64 {
	angle := math.Abs(math.Acos(clamp(r22, -1, 1))) - degToRad*HalfBeamWidthDeg
	if angle < 0 {
		return 0
	}
	return angle
}

// UpdateWithTof fuses a downward sample directly into the altitude state:
// h = z / cos(alpha).
func (m *TofModel) UpdateWithTof(f Filter, tof TofMeasurement) (Diagnostics, bool) {
	st := f.Data()
	r22 := st.R[2][2]
	if !reliable(r22) {
		return Diagnostics{}, false
	}

	predicted := st.S[StateZ] / r22
	d := Diagnostics{
		MeasuredDistance:  tof.Distance,
		PredictedDistance: predicted,
		Innovation:        tof.Distance - predicted,
		BeamAngle:         beamAngle(r22),
	}
	d.ForwardedInnovation = d.Innovation

	h := mat.NewVecDense(StateDim, nil)
	h.SetVec(StateZ, 1/r22)
	d.InnovationVariance = innovationVariance(st, h, tof.StdDev)
	f.ScalarUpdate(h, d.ForwardedInnovation, tof.StdDev)
	return d, true
}

// UpdateWithTofUsingFloor fuses a downward sample as the distance to a floor
// whose height is itself estimated: h = (z - f) / cos(alpha).
func (m *TofModel) UpdateWithTofUsingFloor(f Filter, tof TofMeasurement) (Diagnostics, bool) {
	st := f.Data()
	r22 := st.R[2][2]
	if !reliable(r22) {
		return Diagnostics{}, false
	}

	predicted := (st.S[StateZ] - st.S[StateF]) / r22
	d := m.detect(tof, predicted, r22)
	if d.Detected {
		// Obstacle below: re-seed the floor from this sample and let the
		// filter relearn it from a wide prior.
		st.P.SetSym(StateF, StateF, m.Detection.VarianceAfterDetection)
		st.S[StateF] = st.S[StateZ] - tof.Distance*r22
	}

	h := mat.NewVecDense(StateDim, nil)
	h.SetVec(StateZ, 1/r22)
	h.SetVec(StateF, -1/r22)
	d.InnovationVariance = innovationVariance(st, h, tof.StdDev)
	f.ScalarUpdate(h, d.ForwardedInnovation, tof.StdDev)

	m.floorD = d
	return d, true
}

// UpdateWithUpTofUsingCeiling fuses an upward sample as the distance to a
// ceiling offset: h = (r - z) / cos(alpha). The first sample seen by the
// model seeds the offset directly and is not fused.
func (m *TofModel) UpdateWithUpTofUsingCeiling(f Filter, tof TofMeasurement) (Diagnostics, bool) {
	st := f.Data()
	if m.ceiling == CeilingUninitialized {
		// Seeded regardless of attitude.
		st.S[StateR] = tof.Distance - st.S[StateZ]
		m.ceiling = CeilingInitialized
		return Diagnostics{}, false
	}

	r22 := st.R[2][2]
	if !reliable(r22) {
		return Diagnostics{}, false
	}

	predicted := (st.S[StateR] - st.S[StateZ]) / r22
	d := m.detect(tof, predicted, r22)
	if d.Detected {
		st.P.SetSym(StateR, StateR, m.Detection.VarianceAfterDetection)
		st.S[StateR] = tof.Distance*r22 + st.S[StateZ]
	}

	h := mat.NewVecDense(StateDim, nil)
	h.SetVec(StateZ, -1/r22)
	h.SetVec(StateR, 1/r22)
	d.InnovationVariance = innovationVariance(st, h, tof.StdDev)
	f.ScalarUpdate(h, d.ForwardedInnovation, tof.StdDev)

	m.ceilD = d
	return d, true
}

func innovationVariance(st *State, h *mat.VecDense, stdDev float64) float64 {
	return mat.Inner(h, st.P, h) + stdDev*stdDev
}

// detect fills the diagnostics for an offset update and decides whether
// the innovation is a surface step. It does not touch the filter.
func (m *TofModel) detect(tof TofMeasurement, predicted, r22 float64) Diagnostics {
	d := Diagnostics{
		MeasuredDistance:  tof.Distance,
		PredictedDistance: predicted,
		Innovation:        tof.Distance - predicted,
		BeamAngle:         beamAngle(r22),
	}
	d.ForwardedInnovation = d.Innovation
	if !m.Detection.Enabled {
		return d
	}
	d.Threshold = m.Detection.Factor * tof.StdDev
	if d.Innovation*d.Innovation > d.Threshold*d.Threshold {
		d.Detected = true
		d.ForwardedInnovation = 0
	}
	return d
}
