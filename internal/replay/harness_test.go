package replay

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/reh3376/ignition-tools-sub003/internal/config"
	"github.com/reh3376/ignition-tools-sub003/internal/safety"
)

func testConfig() config.File {
	return config.File{
		Model: config.ModelSection{Gain: 2.0, TimeConstant: 5.0, DeadTime: 0},
		Controller: config.ControllerSection{
			PredictionHorizon:     10,
			ControlHorizon:        3,
			SampleTimeSeconds:     1.0,
			OutputWeight:          1.0,
			ControlWeight:         0.01,
			MoveWeight:            0.1,
			InputMin:              -100,
			InputMax:              100,
			ProcessNoise:          0.01,
			MeasurementNoise:      0.1,
			OptimizationTimeoutMS: 100,
			MaxIterations:         100,
			ConvergenceTolerance:  1e-6,
			HistoryCapacity:       64,
		},
		Safety: config.SafetySection{
			WatchdogIntervalMS:       250,
			StalenessWindowMS:        60000,
			EscalationTimeoutMinutes: 15,
			HistoryLimit:             100,
			HistoryRetentionHours:    24,
			EventBuffer:              64,
			Limits: []config.LimitSection{
				{
					Parameter:   "temperature",
					HighEnabled: true,
					High:        90.0,
					Level:       "SIL2",
					Priority:    "high",
					Hysteresis:  2.0,
				},
				{
					Parameter:   "pressure",
					HighEnabled: true,
					High:        8.0,
					Level:       "SIL3",
					Priority:    "high",
					Hysteresis:  0.5,
				},
			},
		},
		Emergency: config.EmergencySection{SafeOutputValue: 0},
		Runtime: config.RuntimeSection{
			ControlledParameter: "temperature",
			Setpoint:            2.0,
		},
	}
}

func loadStepFixture(t *testing.T) Fixture {
	t.Helper()
	f, err := LoadFixture(filepath.Join("testdata", "step_response.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	return f
}

func TestRunProducesTicksAndAlarm(t *testing.T) {
	sum, err := Run(loadStepFixture(t), testConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Seven temperature samples, one control tick each.
	if sum.Ticks != 7 {
		t.Fatalf("ticks: got %d want 7", sum.Ticks)
	}
	if sum.Fallbacks != 0 {
		t.Fatalf("unexpected fallbacks: %d", sum.Fallbacks)
	}
	if len(sum.Controls) != sum.Ticks {
		t.Fatalf("controls length %d != ticks %d", len(sum.Controls), sum.Ticks)
	}
	// Output below setpoint throughout: every control action pushes up.
	for i, c := range sum.Controls {
		if c <= 0 {
			t.Fatalf("control %d not positive: %v", i, c)
		}
	}

	// The pressure spike at 1200ms raises one HIGH alarm.
	if sum.AlarmsRaised != 1 {
		t.Fatalf("alarms raised: got %d want 1", sum.AlarmsRaised)
	}
	if sum.MaxState != safety.StateAlarm {
		t.Fatalf("max state: got %s want %s", sum.MaxState, safety.StateAlarm)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	f := loadStepFixture(t)
	cfg := testConfig()

	first, err := Run(f, cfg)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := Run(f, cfg)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay not deterministic:\n first %+v\n second %+v", first, second)
	}
}

// A configuration surviving a save/load cycle must replay identically:
// the serialized form carries everything that affects behavior.
func TestSavedConfigReplaysIdentically(t *testing.T) {
	f := loadStepFixture(t)
	cfg := testConfig()

	path := filepath.Join(t.TempDir(), "control.toml")
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	orig, err := Run(f, cfg)
	if err != nil {
		t.Fatalf("run original: %v", err)
	}
	back, err := Run(f, reloaded)
	if err != nil {
		t.Fatalf("run reloaded: %v", err)
	}
	if !reflect.DeepEqual(orig, back) {
		t.Fatalf("reloaded config changed behavior:\n orig %+v\n back %+v", orig, back)
	}
}
