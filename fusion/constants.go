package fusion

import "math"

// State vector layout shared by the core and the measurement models.
const (
	StateX = iota
	StateY
	StateZ
	StatePX
	StatePY
	StatePZ
	StateD0
	StateD1
	StateD2
	StateF // floor height relative to the global origin
	StateR // ceiling height relative to the vehicle origin
	StateDim
)

// Measurement reliability gate.
const (
	// MinVerticalCosine is the smallest |R[2][2]| for which a ToF update is
	// accepted. Below it the predicted distance goes to infinity.
	MinVerticalCosine = 0.1
	// HalfBeamWidthDeg is half of the sensor's 15 degree field of view.
	HalfBeamWidthDeg = 15.0 / 2.0
)

// Detection defaults, tuned for a 1.1 m hover.
const (
	DefaultDetectionFactor        = 3.5
	DefaultVarianceAfterDetection = 50.0
	DefaultUseDetection           = true
)

// Core defaults.
const (
	MaxCovariance = 100.0
	MinCovariance = 1e-6

	InitialStdZ      = 1.0
	InitialStdVZ     = 0.01
	InitialStdOffset = 1.0

	ProcNoiseZ      = 0.0
	ProcNoiseVZ     = 0.5
	ProcNoiseOffset = 0.01

	MaxPredictDt     = 0.1 // seconds
	DefaultTofStdDev = 0.0025
)

const degToRad = math.Pi / 180.0

func clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}

// Pow2 returns squared value.
func Pow2(x float64) float64 { return x * x }
