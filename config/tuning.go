package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"tofengine-go/fusion"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the estimator tuning. Every field is optional; the
// Get* accessors fall back to the built-in defaults.
type TuningConfig struct {
	// Detection
	DetectionFactor        *float64 `json:"detection_factor,omitempty"`
	VarianceAfterDetection *float64 `json:"variance_after_detection,omitempty"`
	UseDetection           *bool    `json:"use_detection,omitempty"`
	FloorMode              *bool    `json:"floor_mode,omitempty"`

	// Core
	ProcessNoiseZ      *float64 `json:"process_noise_z,omitempty"`
	ProcessNoiseVZ     *float64 `json:"process_noise_vz,omitempty"`
	ProcessNoiseOffset *float64 `json:"process_noise_offset,omitempty"`
	InitialStdZ        *float64 `json:"initial_std_z,omitempty"`
	InitialStdVZ       *float64 `json:"initial_std_vz,omitempty"`
	InitialStdOffset   *float64 `json:"initial_std_offset,omitempty"`
	MaxPredictDt       *float64 `json:"max_predict_dt,omitempty"` // seconds

	DefaultTofStdDev *float64 `json:"default_tof_std_dev,omitempty"`
}

func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Omitted fields
// keep their defaults, so partial files are fine.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func positive(name string, v *float64) error {
	if v != nil && (!(*v > 0) || math.IsInf(*v, 0)) {
		return fmt.Errorf("%s must be positive, got %v", name, *v)
	}
	return nil
}

func nonNegative(name string, v *float64) error {
	if v != nil && (!(*v >= 0) || math.IsInf(*v, 0)) {
		return fmt.Errorf("%s must be non-negative, got %v", name, *v)
	}
	return nil
}

// Validate checks every set field.
func (c *TuningConfig) Validate() error {
	checks := []error{
		positive("detection_factor", c.DetectionFactor),
		positive("variance_after_detection", c.VarianceAfterDetection),
		nonNegative("process_noise_z", c.ProcessNoiseZ),
		nonNegative("process_noise_vz", c.ProcessNoiseVZ),
		nonNegative("process_noise_offset", c.ProcessNoiseOffset),
		positive("initial_std_z", c.InitialStdZ),
		positive("initial_std_vz", c.InitialStdVZ),
		positive("initial_std_offset", c.InitialStdOffset),
		positive("max_predict_dt", c.MaxPredictDt),
		positive("default_tof_std_dev", c.DefaultTofStdDev),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.VarianceAfterDetection != nil && *c.VarianceAfterDetection > fusion.MaxCovariance {
		return fmt.Errorf("variance_after_detection must not exceed %v, got %v", fusion.MaxCovariance, *c.VarianceAfterDetection)
	}
	return nil
}

func getFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func getBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// GetDetectionFactor returns the detection_factor value or the default.
func (c *TuningConfig) GetDetectionFactor() float64 {
	return getFloat(c.DetectionFactor, fusion.DefaultDetectionFactor)
}

// GetVarianceAfterDetection returns the variance_after_detection value or the default.
func (c *TuningConfig) GetVarianceAfterDetection() float64 {
	return getFloat(c.VarianceAfterDetection, fusion.DefaultVarianceAfterDetection)
}

// GetUseDetection returns the use_detection value or the default.
func (c *TuningConfig) GetUseDetection() bool {
	return getBool(c.UseDetection, fusion.DefaultUseDetection)
}

// GetFloorMode returns the floor_mode value or the default.
func (c *TuningConfig) GetFloorMode() bool {
	return getBool(c.FloorMode, true)
}

func (c *TuningConfig) GetProcessNoiseZ() float64 {
	return getFloat(c.ProcessNoiseZ, fusion.ProcNoiseZ)
}

func (c *TuningConfig) GetProcessNoiseVZ() float64 {
	return getFloat(c.ProcessNoiseVZ, fusion.ProcNoiseVZ)
}

func (c *TuningConfig) GetProcessNoiseOffset() float64 {
	return getFloat(c.ProcessNoiseOffset, fusion.ProcNoiseOffset)
}

func (c *TuningConfig) GetInitialStdZ() float64 {
	return getFloat(c.InitialStdZ, fusion.InitialStdZ)
}

func (c *TuningConfig) GetInitialStdVZ() float64 {
	return getFloat(c.InitialStdVZ, fusion.InitialStdVZ)
}

func (c *TuningConfig) GetInitialStdOffset() float64 {
	return getFloat(c.InitialStdOffset, fusion.InitialStdOffset)
}

func (c *TuningConfig) GetMaxPredictDt() float64 {
	return getFloat(c.MaxPredictDt, fusion.MaxPredictDt)
}

func (c *TuningConfig) GetDefaultTofStdDev() float64 {
	return getFloat(c.DefaultTofStdDev, fusion.DefaultTofStdDev)
}

// PipelineConfig builds the fusion pipeline configuration.
func (c *TuningConfig) PipelineConfig() fusion.PipelineConfig {
	return fusion.PipelineConfig{
		Core: fusion.CoreConfig{
			InitialStdZ:      c.GetInitialStdZ(),
			InitialStdVZ:     c.GetInitialStdVZ(),
			InitialStdOffset: c.GetInitialStdOffset(),
			ProcNoiseZ:       c.GetProcessNoiseZ(),
			ProcNoiseVZ:      c.GetProcessNoiseVZ(),
			ProcNoiseOffset:  c.GetProcessNoiseOffset(),
			MaxPredictDt:     c.GetMaxPredictDt(),
		},
		Detection: fusion.DetectionConfig{
			Factor:                 c.GetDetectionFactor(),
			VarianceAfterDetection: c.GetVarianceAfterDetection(),
			Enabled:                c.GetUseDetection(),
		},
		FloorMode:        c.GetFloorMode(),
		DefaultTofStdDev: c.GetDefaultTofStdDev(),
	}
}

// Load returns the tuning at path, or the built-in defaults when path is
// empty.
func Load(path string) (*TuningConfig, error) {
	if path == "" {
		return EmptyTuningConfig(), nil
	}
	return LoadTuningConfig(path)
}
