package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/reh3376/ignition-tools-sub003/internal/alarm"
	"github.com/reh3376/ignition-tools-sub003/internal/controller"
	"github.com/reh3376/ignition-tools-sub003/internal/emergency"
	"github.com/reh3376/ignition-tools-sub003/internal/model"
	"github.com/reh3376/ignition-tools-sub003/internal/safety"
)

// #region file

// File is the full on-disk configuration. It is decoded once, validated
// eagerly through the section Build methods, and never mutated in place:
// every section builds an immutable domain value.
type File struct {
	Model      ModelSection      `toml:"model"`
	Controller ControllerSection `toml:"controller"`
	Safety     SafetySection     `toml:"safety"`
	Emergency  EmergencySection  `toml:"emergency"`
	Runtime    RuntimeSection    `toml:"runtime"`
}

// Validate builds every section, rejecting the whole file on the first
// violation. Nothing is silently coerced.
func (f File) Validate() error {
	ctrlCfg, err := f.Controller.Build()
	if err != nil {
		return err
	}
	if _, err := f.Model.Build(ctrlCfg.SampleTime); err != nil {
		return err
	}
	if _, err := f.Safety.BuildMonitor(); err != nil {
		return err
	}
	if _, err := f.Safety.BuildRegistry(); err != nil {
		return err
	}
	if _, err := f.Emergency.BuildProcedures(); err != nil {
		return err
	}
	return f.Runtime.Validate()
}

// #endregion file

// #region model-section

// ModelSection holds FOPDT process parameters.
type ModelSection struct {
	Gain         float64 `toml:"gain"`
	TimeConstant float64 `toml:"time_constant"`
	DeadTime     float64 `toml:"dead_time"`
}

// Build discretizes the FOPDT description at the controller sample time.
func (s ModelSection) Build(sampleTime float64) (*model.Model, error) {
	return model.FromFOPDT(s.Gain, s.TimeConstant, s.DeadTime, sampleTime)
}

// #endregion model-section

// #region controller-section

// ControllerSection mirrors controller.Config with TOML-friendly fields.
type ControllerSection struct {
	PredictionHorizon int     `toml:"prediction_horizon"`
	ControlHorizon    int     `toml:"control_horizon"`
	SampleTimeSeconds float64 `toml:"sample_time_seconds"`

	OutputWeight  float64 `toml:"output_weight"`
	ControlWeight float64 `toml:"control_weight"`
	MoveWeight    float64 `toml:"move_weight"`

	InputMin  float64 `toml:"input_min"`
	InputMax  float64 `toml:"input_max"`
	RateLimit float64 `toml:"rate_limit"`

	OutputMinEnabled bool    `toml:"output_min_enabled"`
	OutputMin        float64 `toml:"output_min"`
	OutputMaxEnabled bool    `toml:"output_max_enabled"`
	OutputMax        float64 `toml:"output_max"`

	ProcessNoise     float64 `toml:"process_noise"`
	MeasurementNoise float64 `toml:"measurement_noise"`

	OptimizationTimeoutMS int     `toml:"optimization_timeout_ms"`
	MaxIterations         int     `toml:"max_iterations"`
	ConvergenceTolerance  float64 `toml:"convergence_tolerance"`
	HistoryCapacity       int     `toml:"history_capacity"`
}

// Build converts and validates the controller configuration.
func (s ControllerSection) Build() (controller.Config, error) {
	cfg := controller.Config{
		PredictionHorizon:    s.PredictionHorizon,
		ControlHorizon:       s.ControlHorizon,
		SampleTime:           s.SampleTimeSeconds,
		OutputWeight:         s.OutputWeight,
		ControlWeight:        s.ControlWeight,
		MoveWeight:           s.MoveWeight,
		InputMin:             s.InputMin,
		InputMax:             s.InputMax,
		RateLimit:            s.RateLimit,
		ProcessNoise:         s.ProcessNoise,
		MeasurementNoise:     s.MeasurementNoise,
		OptimizationTimeout:  time.Duration(s.OptimizationTimeoutMS) * time.Millisecond,
		MaxIterations:        s.MaxIterations,
		ConvergenceTolerance: s.ConvergenceTolerance,
		HistoryCapacity:      s.HistoryCapacity,
	}
	if s.OutputMinEnabled {
		v := s.OutputMin
		cfg.OutputMin = &v
	}
	if s.OutputMaxEnabled {
		v := s.OutputMax
		cfg.OutputMax = &v
	}
	if err := cfg.Validate(); err != nil {
		return controller.Config{}, err
	}
	return cfg, nil
}

// #endregion controller-section

// #region safety-section

// LimitSection is one monitored-parameter limit.
type LimitSection struct {
	Parameter        string  `toml:"parameter"`
	LowEnabled       bool    `toml:"low_enabled"`
	Low              float64 `toml:"low"`
	HighEnabled      bool    `toml:"high_enabled"`
	High             float64 `toml:"high"`
	Level            string  `toml:"level"`
	Priority         string  `toml:"priority"`
	TimeDelayMS      int     `toml:"time_delay_ms"`
	Hysteresis       float64 `toml:"hysteresis"`
	AllowSuppression bool    `toml:"allow_suppression"`
}

// Build converts one limit, validating level and priority names.
func (s LimitSection) Build() (safety.Limit, error) {
	level, err := safety.ParseLevel(s.Level)
	if err != nil {
		return safety.Limit{}, errors.Wrapf(err, "limit %q", s.Parameter)
	}
	priority, err := alarm.ParsePriority(s.Priority)
	if err != nil {
		return safety.Limit{}, errors.Wrapf(err, "limit %q", s.Parameter)
	}
	l := safety.Limit{
		Parameter:        s.Parameter,
		Level:            level,
		Priority:         priority,
		TimeDelay:        time.Duration(s.TimeDelayMS) * time.Millisecond,
		Hysteresis:       s.Hysteresis,
		AllowSuppression: s.AllowSuppression,
	}
	if s.LowEnabled {
		v := s.Low
		l.Low = &v
	}
	if s.HighEnabled {
		v := s.High
		l.High = &v
	}
	if err := l.Validate(); err != nil {
		return safety.Limit{}, err
	}
	return l, nil
}

// SafetySection configures the monitor and the alarm registry.
type SafetySection struct {
	WatchdogIntervalMS       int `toml:"watchdog_interval_ms"`
	StalenessWindowMS        int `toml:"staleness_window_ms"`
	EscalationTimeoutMinutes int `toml:"escalation_timeout_minutes"`
	HistoryLimit             int `toml:"history_limit"`
	HistoryRetentionHours    int `toml:"history_retention_hours"`
	EventBuffer              int `toml:"event_buffer"`

	Limits []LimitSection `toml:"limits"`
}

// BuildMonitor converts and validates the monitor configuration.
func (s SafetySection) BuildMonitor() (safety.Config, error) {
	cfg := safety.Config{
		WatchdogInterval: time.Duration(s.WatchdogIntervalMS) * time.Millisecond,
		StalenessWindow:  time.Duration(s.StalenessWindowMS) * time.Millisecond,
	}
	for _, ls := range s.Limits {
		l, err := ls.Build()
		if err != nil {
			return safety.Config{}, err
		}
		cfg.Limits = append(cfg.Limits, l)
	}
	if err := cfg.Validate(); err != nil {
		return safety.Config{}, err
	}
	return cfg, nil
}

// BuildRegistry converts the alarm registry configuration.
func (s SafetySection) BuildRegistry() (alarm.Config, error) {
	if s.EscalationTimeoutMinutes < 0 || s.HistoryLimit < 0 || s.HistoryRetentionHours < 0 {
		return alarm.Config{}, errors.New("config: negative alarm registry values")
	}
	return alarm.Config{
		EscalationTimeout: time.Duration(s.EscalationTimeoutMinutes) * time.Minute,
		HistoryLimit:      s.HistoryLimit,
		HistoryRetention:  time.Duration(s.HistoryRetentionHours) * time.Hour,
		EventBuffer:       s.EventBuffer,
	}, nil
}

// #endregion safety-section

// #region emergency-section

// StepSection is one ordered procedure step.
type StepSection struct {
	Name   string `toml:"name"`
	Action string `toml:"action"`
}

// ProcedureSection is one emergency procedure definition.
type ProcedureSection struct {
	ID                   string        `toml:"id"`
	TriggerTags          []string      `toml:"trigger_tags"`
	RequiredLevel        string        `toml:"required_level"`
	TimeoutSeconds       float64       `toml:"timeout_seconds"`
	VerificationRequired bool          `toml:"verification_required"`
	Steps                []StepSection `toml:"steps"`
}

// EmergencySection configures the executor.
type EmergencySection struct {
	SafeOutputValue float64            `toml:"safe_output_value"`
	Procedures      []ProcedureSection `toml:"procedures"`
}

// BuildProcedures converts and validates all procedures.
func (s EmergencySection) BuildProcedures() ([]emergency.Procedure, error) {
	out := make([]emergency.Procedure, 0, len(s.Procedures))
	for _, ps := range s.Procedures {
		level, err := safety.ParseLevel(ps.RequiredLevel)
		if err != nil {
			return nil, errors.Wrapf(err, "procedure %q", ps.ID)
		}
		p := emergency.Procedure{
			ID:                   ps.ID,
			TriggerTags:          ps.TriggerTags,
			RequiredLevel:        level,
			Timeout:              time.Duration(ps.TimeoutSeconds * float64(time.Second)),
			VerificationRequired: ps.VerificationRequired,
		}
		for _, ss := range ps.Steps {
			p.Steps = append(p.Steps, emergency.Step{Name: ss.Name, Action: ss.Action})
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// #endregion emergency-section

// #region runtime-section

// RuntimeSection configures loop wiring outside the control core.
type RuntimeSection struct {
	ControlledParameter string  `toml:"controlled_parameter"`
	Setpoint            float64 `toml:"setpoint"`
	JournalPath         string  `toml:"journal_path"`
	LogLevel            string  `toml:"log_level"`
}

// Validate rejects incomplete runtime wiring.
func (s RuntimeSection) Validate() error {
	if s.ControlledParameter == "" {
		return errors.New("config: controlled_parameter is required")
	}
	return nil
}

// #endregion runtime-section

// #region load-save

// Load decodes, applies environment overrides, and validates a config file.
func Load(path string) (File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return File{}, errors.Wrapf(err, "decode %s", path)
	}
	if v := os.Getenv("CONTROL_JOURNAL_PATH"); v != "" {
		f.Runtime.JournalPath = v
	}
	if v := os.Getenv("CONTROL_LOG_LEVEL"); v != "" {
		f.Runtime.LogLevel = v
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Save writes the configuration back to disk.
func Save(path string, f File) error {
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer out.Close()
	if err := toml.NewEncoder(out).Encode(f); err != nil {
		return errors.Wrap(err, "encode config")
	}
	return nil
}

// #endregion load-save
