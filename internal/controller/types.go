package controller

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// #region config

// Config is the immutable MPC tuning, validated once at construction.
type Config struct {
	PredictionHorizon int
	ControlHorizon    int
	SampleTime        float64 // seconds

	OutputWeight  float64 // tracking error weight (Q)
	ControlWeight float64 // control effort weight (R)
	MoveWeight    float64 // control move (delta-u) weight

	InputMin  float64
	InputMax  float64
	RateLimit float64 // max |delta-u| per tick, 0 disables

	OutputMin *float64
	OutputMax *float64

	ProcessNoise     float64 // estimator process noise variance
	MeasurementNoise float64 // estimator measurement noise variance

	OptimizationTimeout  time.Duration
	MaxIterations        int
	ConvergenceTolerance float64

	HistoryCapacity int
}

// DefaultConfig returns a workable SISO tuning.
func DefaultConfig() Config {
	return Config{
		PredictionHorizon:    10,
		ControlHorizon:       3,
		SampleTime:           1.0,
		OutputWeight:         1.0,
		ControlWeight:        0.01,
		MoveWeight:           0.1,
		InputMin:             -100,
		InputMax:             100,
		ProcessNoise:         0.01,
		MeasurementNoise:     0.1,
		OptimizationTimeout:  100 * time.Millisecond,
		MaxIterations:        100,
		ConvergenceTolerance: 1e-6,
		HistoryCapacity:      256,
	}
}

// Validate rejects invalid configuration; nothing is coerced.
func (c Config) Validate() error {
	if c.PredictionHorizon < 2 {
		return errors.Newf("controller: prediction horizon %d must be >= 2", c.PredictionHorizon)
	}
	if c.ControlHorizon < 1 || c.ControlHorizon > c.PredictionHorizon {
		return errors.Newf("controller: control horizon %d must be in [1, %d]", c.ControlHorizon, c.PredictionHorizon)
	}
	if c.SampleTime <= 0 {
		return errors.Newf("controller: sample time %v must be > 0", c.SampleTime)
	}
	if c.OutputWeight < 0 || c.ControlWeight < 0 || c.MoveWeight < 0 {
		return errors.Newf("controller: weights must be >= 0")
	}
	if c.InputMin > c.InputMax {
		return errors.Newf("controller: input bounds inverted: [%v, %v]", c.InputMin, c.InputMax)
	}
	if c.RateLimit < 0 {
		return errors.Newf("controller: rate limit %v must be >= 0", c.RateLimit)
	}
	if c.OutputMin != nil && c.OutputMax != nil && *c.OutputMin >= *c.OutputMax {
		return errors.Newf("controller: output bounds inverted: [%v, %v]", *c.OutputMin, *c.OutputMax)
	}
	if c.ProcessNoise <= 0 || c.MeasurementNoise <= 0 {
		return errors.Newf("controller: noise variances must be > 0")
	}
	if c.OptimizationTimeout <= 0 {
		return errors.Newf("controller: optimization timeout %v must be > 0", c.OptimizationTimeout)
	}
	if c.MaxIterations < 1 {
		return errors.Newf("controller: max iterations %d must be >= 1", c.MaxIterations)
	}
	if c.ConvergenceTolerance < 0 {
		return errors.Newf("controller: convergence tolerance %v must be >= 0", c.ConvergenceTolerance)
	}
	if c.HistoryCapacity < 1 {
		return errors.Newf("controller: history capacity %d must be >= 1", c.HistoryCapacity)
	}
	return nil
}

// #endregion config

// #region control-error

// ErrorKind classifies a recoverable control failure.
type ErrorKind string

const (
	KindInfeasible ErrorKind = "infeasible"
	KindTimeout    ErrorKind = "timeout"
	KindSingular   ErrorKind = "singular"
	KindDiverged   ErrorKind = "diverged"
)

// ControlError reports a classified tick failure. The tick still returned a
// usable fallback control value; the error is informational for the caller
// and for status reporting.
type ControlError struct {
	Kind ErrorKind
	Err  error
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("control error (%s): %v", e.Kind, e.Err)
}

func (e *ControlError) Unwrap() error { return e.Err }

// #endregion control-error

// #region lifecycle

// Phase is the controller lifecycle state.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ErrNotReady rejects ticks outside the READY phase.
var ErrNotReady = errors.New("controller: not ready")

// #endregion lifecycle

// #region history

// Sample is one tick of recorded history.
type Sample struct {
	Control  float64
	Output   float64
	Setpoint float64
	At       time.Time
}

// history is a fixed-capacity ring buffer; the oldest sample is evicted.
type history struct {
	buf  []Sample
	head int
	size int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]Sample, capacity)}
}

func (h *history) push(s Sample) {
	h.buf[h.head] = s
	h.head = (h.head + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

// samples returns the recorded history oldest-first.
func (h *history) samples() []Sample {
	out := make([]Sample, 0, h.size)
	start := h.head - h.size
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// #endregion history

// #region status

// Status is a snapshot of the controller for external pollers.
type Status struct {
	Phase           Phase
	LastControl     float64
	Computations    int64
	Failures        int64
	MeanComputeTime time.Duration
	LastError       string
}

// #endregion status
