package fusion

import (
	"fmt"
	"math"
	"sync"

	"tofengine-go/monitoring"
	"tofengine-go/telemetry"
)

// Sensor identifies which way a ToF sensor points.
type Sensor int

const (
	SensorDown Sensor = iota
	SensorUp
)

func (s Sensor) String() string {
	if s == SensorUp {
		return "up"
	}
	return "down"
}

// Variant names the measurement model that consumed a sample.
type Variant string

const (
	VariantBasic   Variant = "basic"
	VariantFloor   Variant = "floor"
	VariantCeiling Variant = "ceiling"
)

// Result flags.
const (
	FlagReset    = -2 // filter was reset by a timestamp gap
	FlagGated    = 0  // sample rejected by the attitude gate
	FlagSeeded   = 1  // sample seeded the ceiling offset
	FlagUpdated  = 2  // sample fused
	FlagDetected = 3  // sample fused after an offset step
)

// ResetGapMs is the silence after which the vertical state is discarded.
const ResetGapMs = 30000

// Innovation consistency window per sensor.
const (
	ConsistencyWindow     = 50
	ConsistencyConfidence = 0.99
)

type PipelineConfig struct {
	Core      CoreConfig
	Detection DetectionConfig
	// FloorMode routes downward samples through the floor-offset model
	// instead of fusing them straight into altitude.
	FloorMode bool
	// DefaultTofStdDev replaces a missing or non-positive sample deviation.
	DefaultTofStdDev float64
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Core:             DefaultCoreConfig(),
		Detection:        DefaultDetectionConfig(),
		FloorMode:        true,
		DefaultTofStdDev: DefaultTofStdDev,
	}
}

type Result struct {
	TimestampMs int64       `json:"ts"`
	Sensor      string      `json:"sensor"`
	Variant     Variant     `json:"variant"`
	Flag        int         `json:"flag"`
	Applied     bool        `json:"applied"`
	Z           float64     `json:"z"`
	VZ          float64     `json:"vz"`
	Floor       float64     `json:"floor"`
	Ceiling     float64     `json:"ceiling"`
	VarZ        float64     `json:"var_z"`
	VarF        float64     `json:"var_f"`
	VarR        float64     `json:"var_r"`
	Diag        Diagnostics `json:"diag"`
}

// Pipeline serialises attitude, acceleration and ToF samples into one
// filter instance. Calls may come from several transport goroutines.
type Pipeline struct {
	mu         sync.Mutex
	cfg        PipelineConfig
	core       *Core
	model      *TofModel
	lastTS     *int64
	accZ       float64
	detections int
	coreResets int
	down, up   *Consistency
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		core:  NewCore(cfg.Core),
		model: NewTofModel(cfg.Detection),
		down:  NewConsistency(ConsistencyWindow, ConsistencyConfidence),
		up:    NewConsistency(ConsistencyWindow, ConsistencyConfidence),
	}
}

// Reset discards the vertical state and the ceiling seed.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Pipeline) resetLocked() {
	r := p.core.Data().R
	p.core.Reset()
	p.core.SetAttitude(r)
	p.model.Reset()
	p.down.Reset()
	p.up.Reset()
	p.accZ = 0
}

// advance predicts the filter forward to tsMs. Out-of-order samples are
// nudged one millisecond past the last one. It reports false when the gap
// was long enough to reset the filter.
func (p *Pipeline) advance(tsMs int64) (int64, bool) {
	if p.lastTS == nil {
		p.lastTS = new(int64)
		*p.lastTS = tsMs
		return tsMs, true
	}
	if tsMs <= *p.lastTS {
		tsMs = *p.lastTS + 1
	}
	gap := tsMs - *p.lastTS
	*p.lastTS = tsMs
	if gap > ResetGapMs {
		monitoring.Logf("fusion: %d ms without samples, resetting vertical state", gap)
		p.resetLocked()
		return tsMs, false
	}
	p.core.Predict(float64(gap)/1000.0, p.accZ)
	p.syncCoreReset()
	return tsMs, true
}

// syncCoreReset brings the model and the consistency windows in line with
// a reset the core performed on its own. It reports whether one happened.
func (p *Pipeline) syncCoreReset() bool {
	n := p.core.Resets()
	if n == p.coreResets {
		return false
	}
	p.coreResets = n
	monitoring.Logf("fusion: non-finite filter state, vertical state reset (%d total)", n)
	p.model.Reset()
	p.down.Reset()
	p.up.Reset()
	return true
}

// ProcessAttitude installs the attitude for subsequent ToF samples.
// Angles are ZYX Euler in radians.
func (p *Pipeline) ProcessAttitude(tsMs int64, roll, pitch, yaw float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(tsMs)
	for _, a := range [...]float64{roll, pitch, yaw} {
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return
		}
	}
	p.core.SetAttitude(RotationFromEuler(roll, pitch, yaw))
}

// ProcessAccel records the world-frame vertical acceleration, gravity
// removed, used by the next prediction steps.
func (p *Pipeline) ProcessAccel(tsMs int64, accZ float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(tsMs)
	if math.IsNaN(accZ) || math.IsInf(accZ, 0) {
		return
	}
	p.accZ = accZ
}

// ProcessTof fuses one ToF sample.
func (p *Pipeline) ProcessTof(tsMs int64, sensor Sensor, tof TofMeasurement) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	tsMs, ok := p.advance(tsMs)
	if !ok {
		res := p.resultLocked(tsMs)
		res.Sensor = sensor.String()
		res.Flag = FlagReset
		return res
	}

	if !(tof.StdDev > 0) && p.cfg.DefaultTofStdDev > 0 {
		tof.StdDev = p.cfg.DefaultTofStdDev
	}

	variant := VariantBasic
	switch {
	case sensor == SensorUp:
		variant = VariantCeiling
	case p.cfg.FloorMode:
		variant = VariantFloor
	}

	if err := tof.Validate(); err != nil {
		monitoring.Logf("fusion: %s sample rejected: %v", sensor, err)
		res := p.resultLocked(tsMs)
		res.Sensor = sensor.String()
		res.Variant = variant
		res.Flag = FlagGated
		return res
	}

	var (
		diag    Diagnostics
		applied bool
		seeded  bool
	)
	switch variant {
	case VariantCeiling:
		seeded = p.model.CeilingState() == CeilingUninitialized
		diag, applied = p.model.UpdateWithUpTofUsingCeiling(p.core, tof)
	case VariantFloor:
		diag, applied = p.model.UpdateWithTofUsingFloor(p.core, tof)
	default:
		diag, applied = p.model.UpdateWithTof(p.core, tof)
	}

	if p.syncCoreReset() {
		res := p.resultLocked(tsMs)
		res.Sensor = sensor.String()
		res.Variant = variant
		res.Flag = FlagReset
		return res
	}

	if applied {
		p.window(sensor).Add(diag)
	}

	res := p.resultLocked(tsMs)
	res.Sensor = sensor.String()
	res.Variant = variant
	res.Applied = applied
	res.Diag = diag
	switch {
	case seeded:
		res.Flag = FlagSeeded
		monitoring.Logf("fusion: ceiling seeded at %.3f m", res.Ceiling)
	case !applied:
		res.Flag = FlagGated
	case diag.Detected:
		res.Flag = FlagDetected
		p.detections++
		monitoring.Logf("fusion: %s step detected, innovation %.3f m over threshold %.3f m", variant, diag.Innovation, diag.Threshold)
	default:
		res.Flag = FlagUpdated
	}
	return res
}

// Snapshot returns the current vertical state without consuming a sample.
func (p *Pipeline) Snapshot() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ts int64
	if p.lastTS != nil {
		ts = *p.lastTS
	}
	return p.resultLocked(ts)
}

// Detections reports how many offset steps have been detected.
func (p *Pipeline) Detections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detections
}

func (p *Pipeline) window(sensor Sensor) *Consistency {
	if sensor == SensorUp {
		return p.up
	}
	return p.down
}

// Consistency reports the innovation statistics of one sensor stream.
func (p *Pipeline) Consistency(sensor Sensor) InnovationStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window(sensor).Stats()
}

func (p *Pipeline) Detection() DetectionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.Detection
}

func (p *Pipeline) SetDetection(det DetectionConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model.Detection = det
}

func (p *Pipeline) resultLocked(tsMs int64) Result {
	st := p.core.Data()
	return Result{
		TimestampMs: tsMs,
		Z:           st.S[StateZ],
		VZ:          st.S[StatePZ],
		Floor:       st.S[StateF],
		Ceiling:     st.S[StateR],
		VarZ:        st.P.At(StateZ, StateZ),
		VarF:        st.P.At(StateF, StateF),
		VarR:        st.P.At(StateR, StateR),
	}
}

// RegisterTelemetry exposes the model diagnostics and the detection tuning
// under their flat names.
func (p *Pipeline) RegisterTelemetry(reg *telemetry.Registry) error {
	floor := func(pick func(Diagnostics) float64) func() float64 {
		return func() float64 {
			p.mu.Lock()
			defer p.mu.Unlock()
			return pick(p.model.FloorDiagnostics())
		}
	}
	ceiling := func(pick func(Diagnostics) float64) func() float64 {
		return func() float64 {
			p.mu.Lock()
			defer p.mu.Unlock()
			return pick(p.model.CeilingDiagnostics())
		}
	}
	state := func(idx int) func() float64 {
		return func() float64 {
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.core.Data().S[idx]
		}
	}
	measured := func(d Diagnostics) float64 { return d.MeasuredDistance }
	predicted := func(d Diagnostics) float64 { return d.PredictedDistance }
	forwarded := func(d Diagnostics) float64 { return d.ForwardedInnovation }
	threshold := func(d Diagnostics) float64 { return d.Threshold }

	vars := []telemetry.Var{
		{Name: "measuredDistanceF", Kind: telemetry.KindLog, Get: floor(measured)},
		{Name: "predictedDistanceF", Kind: telemetry.KindLog, Get: floor(predicted)},
		{Name: "errorF", Kind: telemetry.KindLog, Get: floor(forwarded)},
		{Name: "thresholdF", Kind: telemetry.KindLog, Get: floor(threshold)},
		{Name: "measuredDistanceR", Kind: telemetry.KindLog, Get: ceiling(measured)},
		{Name: "predictedDistanceR", Kind: telemetry.KindLog, Get: ceiling(predicted)},
		{Name: "errorR", Kind: telemetry.KindLog, Get: ceiling(forwarded)},
		{Name: "thresholdR", Kind: telemetry.KindLog, Get: ceiling(threshold)},
		{Name: "nisF", Kind: telemetry.KindLog, Get: func() float64 { return p.Consistency(SensorDown).NIS }},
		{Name: "nisR", Kind: telemetry.KindLog, Get: func() float64 { return p.Consistency(SensorUp).NIS }},
		{Name: "stateZ", Kind: telemetry.KindLog, Get: state(StateZ)},
		{Name: "stateF", Kind: telemetry.KindLog, Get: state(StateF)},
		{Name: "stateR", Kind: telemetry.KindLog, Get: state(StateR)},
		{
			Name: "detectionFactor",
			Kind: telemetry.KindParam,
			Get:  func() float64 { return p.Detection().Factor },
			Set: func(v float64) error {
				if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("detection factor must be positive, got %v", v)
				}
				p.mu.Lock()
				defer p.mu.Unlock()
				p.model.Detection.Factor = v
				return nil
			},
		},
		{
			Name: "varianceAfterDetection",
			Kind: telemetry.KindParam,
			Get:  func() float64 { return p.Detection().VarianceAfterDetection },
			Set: func(v float64) error {
				if v <= 0 || v > MaxCovariance || math.IsNaN(v) {
					return fmt.Errorf("variance after detection must be in (0, %v], got %v", MaxCovariance, v)
				}
				p.mu.Lock()
				defer p.mu.Unlock()
				p.model.Detection.VarianceAfterDetection = v
				return nil
			},
		},
		{
			Name: "useDetection",
			Kind: telemetry.KindParam,
			Get: func() float64 {
				if p.Detection().Enabled {
					return 1
				}
				return 0
			},
			Set: func(v float64) error {
				p.mu.Lock()
				defer p.mu.Unlock()
				p.model.Detection.Enabled = v != 0
				return nil
			},
		},
	}
	for _, v := range vars {
		if err := reg.Add(v); err != nil {
			return err
		}
	}
	return nil
}
