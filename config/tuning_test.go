package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tofengine-go/fusion"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigMatchesBuiltInDefaults(t *testing.T) {
	got := EmptyTuningConfig().PipelineConfig()
	if diff := cmp.Diff(fusion.DefaultPipelineConfig(), got); diff != "" {
		t.Errorf("pipeline config mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultsFileMatchesBuiltInDefaults(t *testing.T) {
	cfg, err := LoadTuningConfig("tuning.defaults.json")
	require.NoError(t, err)
	if diff := cmp.Diff(fusion.DefaultPipelineConfig(), cfg.PipelineConfig()); diff != "" {
		t.Errorf("defaults file drifted (-want +got):\n%s", diff)
	}
}

func TestLoadTuningConfigPartial(t *testing.T) {
	path := writeConfig(t, "tuning.json", `{"detection_factor": 5, "use_detection": false, "floor_mode": false}`)
	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	pc := cfg.PipelineConfig()
	assert.Equal(t, 5.0, pc.Detection.Factor)
	assert.False(t, pc.Detection.Enabled)
	assert.False(t, pc.FloorMode)
	assert.Equal(t, fusion.DefaultVarianceAfterDetection, pc.Detection.VarianceAfterDetection)
	assert.Equal(t, fusion.MaxPredictDt, pc.Core.MaxPredictDt)
}

func TestLoadTuningConfigErrors(t *testing.T) {
	_, err := LoadTuningConfig(writeConfig(t, "tuning.yaml", `{}`))
	assert.ErrorContains(t, err, ".json extension")

	_, err = LoadTuningConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "stat")

	_, err = LoadTuningConfig(writeConfig(t, "bad.json", `{"detection_factor": `))
	assert.ErrorContains(t, err, "parse")

	_, err = LoadTuningConfig(writeConfig(t, "neg.json", `{"detection_factor": -1}`))
	assert.ErrorContains(t, err, "detection_factor")
}

func TestValidate(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	cases := []struct {
		name string
		cfg  TuningConfig
		ok   bool
	}{
		{"empty", TuningConfig{}, true},
		{"zero process noise", TuningConfig{ProcessNoiseZ: f(0)}, true},
		{"negative noise", TuningConfig{ProcessNoiseVZ: f(-0.1)}, false},
		{"zero factor", TuningConfig{DetectionFactor: f(0)}, false},
		{"variance above bound", TuningConfig{VarianceAfterDetection: f(150)}, false},
		{"zero dt", TuningConfig{MaxPredictDt: f(0)}, false},
		{"zero tof std", TuningConfig{DefaultTofStdDev: f(0)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, fusion.DefaultDetectionFactor, cfg.GetDetectionFactor())
}
